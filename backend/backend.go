// Package backend provides the download directory: files are streamed
// to a "<name>_tmp" sibling and published with an atomic rename.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// TempSuffix is appended to a file's name while it is being written.
const TempSuffix = "_tmp"

var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for names that escape the root or use
	// the temp suffix.
	ErrInvalidName = errors.New("invalid file name")

	// ErrFinished is returned when a PendingFile is used after Commit or
	// Abort.
	ErrFinished = errors.New("pending file already finished")
)

// Backend stores downloaded files. Implementations must be safe for
// concurrent use; concurrent writers of the same name are the caller's
// responsibility.
type Backend interface {
	// Writer starts writing name. Data goes to the temp file until
	// Commit publishes it.
	Writer(ctx context.Context, name string) (PendingFile, error)

	// Exists reports whether a published file exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Delete removes a published file. Missing files are not an error.
	Delete(ctx context.Context, name string) error

	// TempFiles lists temp files left behind by unfinished writes.
	TempFiles(ctx context.Context) ([]TempFile, error)

	// Path returns the absolute path name is published at.
	Path(name string) string
}

// PendingFile is an in-progress write.
type PendingFile interface {
	io.Writer

	// Commit flushes the temp file and renames it into place.
	Commit() error

	// Abort stops the write. The temp file is kept when keep is true so
	// it can be inspected or swept later.
	Abort(keep bool) error

	// TempPath returns where data is being written.
	TempPath() string
}

// TempFile describes a leftover temp file.
type TempFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}
