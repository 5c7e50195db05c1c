package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with upstream fetch
// metrics and an optional User-Agent, which most booru APIs require.
type InstrumentedTransport struct {
	base      http.RoundTripper
	site      string
	userAgent string
}

// NewInstrumentedTransport creates a transport labelled with site. An
// empty site labels each request with the site carried by its context.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, site string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, site: site}
}

// WithUserAgent returns a copy of the transport that sets the User-Agent
// header on requests which do not already carry one.
func (t *InstrumentedTransport) WithUserAgent(ua string) *InstrumentedTransport {
	c := *t
	c.userAgent = ua
	return &c
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	site := t.site
	if site == "" {
		site = SiteFromContext(req.Context())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), site, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		site:       site,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody records bytes read when the body is closed.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	site     string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.site, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
