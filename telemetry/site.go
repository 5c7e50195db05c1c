// Package telemetry provides metrics and site propagation for logging and metrics.
package telemetry

import "context"

type contextKey string

const siteKey contextKey = "site"

// WithSite returns a context carrying the site name. Use it to label
// metrics recorded by goroutines that outlive the caller's request.
func WithSite(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, siteKey, site)
}

// SiteFromContext returns the site stored by WithSite, or "unknown".
func SiteFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(siteKey).(string); ok && s != "" {
		return s
	}
	return "unknown"
}
