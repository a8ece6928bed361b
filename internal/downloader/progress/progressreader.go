package progress

import "io"

// Reader wraps an io.Reader, counts the bytes read and reports progress via a
// callback every interval bytes and once when 5% of a known total is crossed.
type Reader struct {
	Reader     io.Reader
	Total      int64 // -1 or 0 when unknown
	OnProgress func(read int64, total int64)

	read      int64
	sinceLast int64
	interval  int64
	firstMark bool
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n <= 0 {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceLast += int64(n)

	report := pr.interval > 0 && pr.sinceLast >= pr.interval
	if !pr.firstMark && pr.Total > 0 && pr.read*100/pr.Total >= 5 {
		pr.firstMark = true
		report = true
	}

	if report && pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
		pr.sinceLast = 0
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
