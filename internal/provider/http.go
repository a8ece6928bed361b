package provider

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/model_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	DefaultResponseHeaderTimeout = 30 * time.Second

	userAgent       = "model_downloader/1.0"
	maxErrorBodyLen = 512
)

// NewHTTPClient returns a traced client. It sets no overall timeout since model
// files take hours; callers bound each attempt with a context deadline instead.
func NewHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	if responseHeaderTimeout <= 0 {
		responseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = responseHeaderTimeout

	return &http.Client{
		Transport: otelhttp.NewTransport(base),
	}
}

// SetAuth applies a bearer credential. An empty token leaves the request unauthenticated.
func SetAuth(req *http.Request, token string) {
	req.Header.Set("User-Agent", userAgent)

	if token == "" {
		return
	}

	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
}

// Do sends req and maps transport failures and non-success statuses onto the
// transfer error taxonomy. On success the caller owns the response body.
func Do(client *http.Client, req *http.Request, p transfer.Provider, operation string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &transfer.NetworkError{
			Operation:  operation,
			APIMessage: transportMessage(err),
			Err:        err,
		}
	}

	if err := CheckResponse(resp, p, operation); err != nil {
		resp.Body.Close()

		return nil, err
	}

	return resp, nil
}

// CheckResponse returns nil for 2xx responses. 401 and 403 become
// AuthenticationError, every other status a NetworkError.
func CheckResponse(resp *http.Response, p transfer.Provider, operation string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	msg := strings.TrimSpace(string(body))

	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &transfer.AuthenticationError{
			Operation:  operation,
			Provider:   string(p),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("provider responded %d: %s", resp.StatusCode, msg),
		}
	}

	return &transfer.NetworkError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		APIMessage: msg,
	}
}

func transportMessage(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout: " + err.Error()
	}

	return err.Error()
}
