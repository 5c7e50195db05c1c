package backend

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_WriterCommit(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t))
	ctx := context.Background()

	pf, err := ib.Writer(ctx, "post/1.jpg")
	require.NoError(t, err)
	_, err = pf.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, pf.Commit())

	got, err := os.ReadFile(ib.Path("post/1.jpg"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	exists, err := ib.Exists(ctx, "post/1.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_AbortAndTempFiles(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t))
	ctx := context.Background()

	pf, err := ib.Writer(ctx, "post/2.jpg")
	require.NoError(t, err)
	require.NoError(t, pf.Abort(true))

	files, err := ib.TempFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, pf.TempPath(), files[0].Path)
}

func TestInstrumentedBackend_InvalidName(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t))

	_, err := ib.Writer(context.Background(), "../x")
	require.ErrorIs(t, err, ErrInvalidName)
	require.NoError(t, ib.Delete(context.Background(), "missing.jpg"))
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "error", outcomeFromError(os.ErrPermission))
}
