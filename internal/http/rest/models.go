package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/model_downloader/internal/batch"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/manifest"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/transfer"
)

const maxRequestBody = 1 << 20

type FileTransferer interface {
	Transfer(ctx context.Context, req transfer.Request) transfer.Outcome
}

type TreeTransferer interface {
	TransferTree(ctx context.Context, req transfer.TreeRequest) transfer.TreeOutcome
}

type BatchRunner interface {
	Run(ctx context.Context, opts batch.Options) (*batch.Summary, error)
}

type DownloadRequest struct {
	Source   string `json:"source"`
	Subdir   string `json:"subdir"`
	Filename string `json:"filename"`
	SHA256   string `json:"sha256"`
	Retries  int    `json:"retries"`
	Force    bool   `json:"force"`
}

type TreeRequest struct {
	ModelID        string   `json:"model_id"`
	Path           string   `json:"path"`
	Subdir         string   `json:"subdir"`
	Revision       string   `json:"revision"`
	Exclude        []string `json:"exclude"`
	Retries        int      `json:"retries"`
	UpdateManifest bool     `json:"update_manifest"`
}

type BatchRequest struct {
	ManifestPath   string `json:"manifest_path"`
	Retries        int    `json:"retries"`
	SkipExisting   *bool  `json:"skip_existing"`
	UpdateManifest bool   `json:"update_manifest"`
}

type OutcomeResponse struct {
	Source       string `json:"source"`
	Path         string `json:"path,omitempty"`
	Bytes        int64  `json:"bytes"`
	Status       string `json:"status"`
	Verification string `json:"verification"`
	Attempts     int    `json:"attempts"`
	Failure      string `json:"failure,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message"`
}

type TreeResponse struct {
	RepoID          string            `json:"repo_id"`
	Revision        string            `json:"revision"`
	SaveFolder      string            `json:"save_folder"`
	Total           int               `json:"total"`
	Succeeded       int               `json:"succeeded"`
	Skipped         int               `json:"skipped"`
	Failed          int               `json:"failed"`
	Unchanged       bool              `json:"unchanged"`
	ManifestUpdated bool              `json:"manifest_updated"`
	Files           []OutcomeResponse `json:"files"`
	Error           string            `json:"error,omitempty"`
	Message         string            `json:"message"`
}

type BatchResponse struct {
	ManifestPath string   `json:"manifest_path"`
	Total        int      `json:"total"`
	Succeeded    int      `json:"succeeded"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	FailedModels []string `json:"failed_models,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Duration     string   `json:"duration"`
	Message      string   `json:"message"`
}

type HistoryResponse struct {
	Records []HistoryRecord `json:"records"`
	Counts  map[string]int  `json:"counts"`
}

type HistoryRecord struct {
	ID           int64     `json:"id"`
	Operation    string    `json:"operation"`
	Source       string    `json:"source"`
	Path         string    `json:"path,omitempty"`
	Status       string    `json:"status"`
	Verification string    `json:"verification,omitempty"`
	Attempts     int       `json:"attempts"`
	Bytes        int64     `json:"bytes"`
	Failure      string    `json:"failure,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type ModelHandler struct {
	username string
	password string
	files    FileTransferer
	trees    TreeTransferer
	batches  BatchRunner
	history  storage.HistoryReadRepository
}

// NewModelHandler creates the handler of the model download API. Basic
// authentication is enforced when username is not empty.
func NewModelHandler(
	username, password string,
	files FileTransferer,
	trees TreeTransferer,
	batches BatchRunner,
	history storage.HistoryReadRepository,
) *ModelHandler {
	return &ModelHandler{
		username: username,
		password: password,
		files:    files,
		trees:    trees,
		batches:  batches,
		history:  history,
	}
}

func (h *ModelHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/downloads", h.HandleDownload)
		r.Post("/trees", h.HandleTree)
		r.Post("/batches", h.HandleBatch)
		r.Get("/history", h.HandleHistory)
	})

	return r
}

// HandleDownload transfers one file and answers with its outcome.
func (h *ModelHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)

		return
	}

	out := h.files.Transfer(r.Context(), transfer.Request{
		Source:   req.Source,
		Subdir:   req.Subdir,
		Filename: req.Filename,
		Digest:   req.SHA256,
		Retries:  req.Retries,
		Force:    req.Force,
	})

	if !out.OK() {
		logger.WarnContext(r.Context(), "download request failed", "source", req.Source, "failure", out.Failure)
	}

	writeJSON(r.Context(), w, statusFor(out.Failure), newOutcomeResponse(out))
}

// HandleTree mirrors a remote directory tree.
func (h *ModelHandler) HandleTree(w http.ResponseWriter, r *http.Request) {
	var req TreeRequest
	if !decode(w, r, &req) {
		return
	}

	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)

		return
	}

	out := h.trees.TransferTree(r.Context(), transfer.TreeRequest{
		Reference:                        req.ModelID,
		Path:                             req.Path,
		Subdir:                           req.Subdir,
		Revision:                         req.Revision,
		Exclude:                          req.Exclude,
		Retries:                          req.Retries,
		UpdateManifestOnStructuralChange: req.UpdateManifest,
	})

	resp := TreeResponse{
		RepoID:          out.RepoID,
		Revision:        out.Revision,
		SaveFolder:      out.SaveFolder,
		Total:           out.Total,
		Succeeded:       out.Succeeded,
		Skipped:         out.Skipped,
		Failed:          out.Failed,
		Unchanged:       out.Unchanged,
		ManifestUpdated: out.ManifestUpdated,
		Files:           make([]OutcomeResponse, 0, len(out.Files)),
		Message:         out.Message(),
	}

	for _, f := range out.Files {
		resp.Files = append(resp.Files, newOutcomeResponse(f))
	}

	status := http.StatusOK
	if out.Err != nil {
		resp.Error = out.Err.Error()
		status = statusFor(transfer.Classify(out.Err))
	}

	writeJSON(r.Context(), w, status, resp)
}

// HandleBatch replays a manifest. The call blocks until every entry ran.
func (h *ModelHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	req := BatchRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	opts := batch.DefaultOptions()
	opts.ManifestPath = req.ManifestPath
	opts.Retries = req.Retries
	opts.UpdateManifestOnStructuralChange = req.UpdateManifest

	if req.SkipExisting != nil {
		opts.SkipExisting = *req.SkipExisting
	}

	summary, err := h.batches.Run(r.Context(), opts)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "batch run failed", "err", err)

		switch {
		case errors.Is(err, batch.ErrEmptyManifest), manifest.IsNotExist(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case summary == nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(r.Context(), w, http.StatusServiceUnavailable, newBatchResponse(summary))
		}

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, newBatchResponse(summary))
}

// HandleHistory lists recorded transfers, newest first.
func (h *ModelHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	filter := storage.HistoryFilter{Status: r.URL.Query().Get("status")}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		filter.Limit = limit
	}

	records, err := h.history.ListHistory(r.Context(), filter)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to list history", "err", err)
		http.Error(w, "failed to list history", http.StatusInternalServerError)

		return
	}

	counts, err := h.history.CountByStatus(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to count history", "err", err)
		http.Error(w, "failed to count history", http.StatusInternalServerError)

		return
	}

	resp := HistoryResponse{Records: make([]HistoryRecord, 0, len(records)), Counts: counts}
	for _, rec := range records {
		resp.Records = append(resp.Records, HistoryRecord(rec))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *ModelHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return false
	}

	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// statusFor maps a failure kind onto the HTTP status of the response.
func statusFor(kind transfer.FailureKind) int {
	switch kind {
	case transfer.FailureNone:
		return http.StatusOK
	case transfer.FailurePathTraversal, transfer.FailureUnrecognizedSource:
		return http.StatusBadRequest
	case transfer.FailureIO:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func newOutcomeResponse(out transfer.Outcome) OutcomeResponse {
	resp := OutcomeResponse{
		Source:       out.Source,
		Path:         out.RelPath,
		Bytes:        out.Bytes,
		Status:       string(out.Status),
		Verification: string(out.Verification),
		Attempts:     out.Attempts,
		Failure:      string(out.Failure),
		Message:      out.Message(),
	}

	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	return resp
}

func newBatchResponse(s *batch.Summary) BatchResponse {
	resp := BatchResponse{
		ManifestPath: s.ManifestPath,
		Total:        s.Total,
		Succeeded:    s.Succeeded,
		Skipped:      s.SkippedExisting,
		Failed:       s.Failed,
		FailedModels: s.FailedSections(),
		Duration:     s.Duration.String(),
		Message:      s.Message(),
	}

	for _, w := range s.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}

	return resp
}
