package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	boorucache "github.com/wolfeidau/booru-cache"
	"github.com/wolfeidau/booru-cache/telemetry"
)

// Progress reports bytes written so far. Total is -1 when the server did
// not send a length.
type Progress struct {
	Written int64
	Total   int64
}

// Fraction returns progress in [0, 1], or -1 if the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Written) / float64(p.Total)
}

// Transfer copies the resource at req.URL into w.
type Transfer interface {
	Transfer(ctx context.Context, req Request, w io.Writer, progress func(Progress)) (int64, error)
}

// HTTPTransfer fetches downloads over HTTP.
type HTTPTransfer struct {
	client    *http.Client
	chunkSize int
}

// TransferOption configures an HTTPTransfer.
type TransferOption func(*HTTPTransfer)

// WithHTTPClient sets the client used for transfers.
func WithHTTPClient(client *http.Client) TransferOption {
	return func(h *HTTPTransfer) {
		h.client = client
	}
}

// WithChunkSize sets how many bytes are copied between progress reports.
func WithChunkSize(n int) TransferOption {
	return func(h *HTTPTransfer) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// NewHTTPTransfer creates an HTTP transfer client. The default client
// records upstream metrics labelled with the request's site.
func NewHTTPTransfer(opts ...TransferOption) *HTTPTransfer {
	h := &HTTPTransfer{
		client:    &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "")},
		chunkSize: 32 * 1024,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Transfer implements Transfer. A 404 or 410 response is reported as
// boorucache.ErrNotFound.
func (h *HTTPTransfer) Transfer(ctx context.Context, req Request, w io.Writer, progress func(Progress)) (int64, error) {
	ctx = telemetry.WithSite(ctx, string(req.Site))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("requesting %s: %w", req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, fmt.Errorf("%s: %w", req.URL, boorucache.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%s: unexpected status %d", req.URL, resp.StatusCode)
	}

	total := resp.ContentLength
	buf := make([]byte, h.chunkSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("writing: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(Progress{Written: written, Total: total})
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("reading body: %w", readErr)
		}
	}

	if total >= 0 && written != total {
		return written, fmt.Errorf("content-length mismatch: expected %d, got %d", total, written)
	}
	return written, nil
}
