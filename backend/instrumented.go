package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/booru-cache/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b}
}

func (ib *InstrumentedBackend) Writer(ctx context.Context, name string) (PendingFile, error) {
	start := time.Now()
	pf, err := ib.backend.Writer(ctx, name)
	telemetry.RecordFileOp(ctx, "create", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return &instrumentedPending{PendingFile: pf, ctx: ctx}, nil
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, name)
	telemetry.RecordFileOp(ctx, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, name string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, name)
	telemetry.RecordFileOp(ctx, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) TempFiles(ctx context.Context) ([]TempFile, error) {
	start := time.Now()
	files, err := ib.backend.TempFiles(ctx)
	telemetry.RecordFileOp(ctx, "list_temp", outcomeFromError(err), time.Since(start), 0)
	return files, err
}

func (ib *InstrumentedBackend) Path(name string) string {
	return ib.backend.Path(name)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

// instrumentedPending counts bytes and records the commit.
type instrumentedPending struct {
	PendingFile
	ctx context.Context
	n   int64
}

func (p *instrumentedPending) Write(b []byte) (int, error) {
	n, err := p.PendingFile.Write(b)
	p.n += int64(n)
	return n, err
}

func (p *instrumentedPending) Commit() error {
	start := time.Now()
	err := p.PendingFile.Commit()
	telemetry.RecordFileOp(p.ctx, "commit", outcomeFromError(err), time.Since(start), p.n)
	return err
}

func (p *instrumentedPending) Abort(keep bool) error {
	start := time.Now()
	err := p.PendingFile.Abort(keep)
	telemetry.RecordFileOp(p.ctx, "abort", outcomeFromError(err), time.Since(start), 0)
	return err
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// Compile-time interface checks
var _ Backend = (*InstrumentedBackend)(nil)
