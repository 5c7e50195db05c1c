package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements Backend on a local directory.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fsys *Filesystem) Root() string {
	return fsys.root
}

// Path returns the absolute path for name.
func (fsys *Filesystem) Path(name string) string {
	return filepath.Join(fsys.root, filepath.FromSlash(name))
}

func (fsys *Filesystem) resolve(name string) (string, error) {
	if name == "" || strings.HasSuffix(name, TempSuffix) || !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return fsys.Path(name), nil
}

// Writer opens "<name>_tmp" for writing, truncating any leftover from an
// earlier attempt.
func (fsys *Filesystem) Writer(_ context.Context, name string) (PendingFile, error) {
	path, err := fsys.resolve(name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpPath := path + TempSuffix
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &pendingFile{f: f, tmpPath: tmpPath, dstPath: path}, nil
}

// Exists checks if a published file exists.
func (fsys *Filesystem) Exists(_ context.Context, name string) (bool, error) {
	path, err := fsys.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Delete removes a published file.
func (fsys *Filesystem) Delete(_ context.Context, name string) error {
	path, err := fsys.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Size returns the size of a published file.
func (fsys *Filesystem) Size(_ context.Context, name string) (int64, error) {
	path, err := fsys.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// TempFiles walks the root for files ending in TempSuffix.
func (fsys *Filesystem) TempFiles(ctx context.Context) ([]TempFile, error) {
	var files []TempFile
	err := filepath.WalkDir(fsys.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed between listing and stat.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		files = append(files, TempFile{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return files, nil
}

// pendingFile is a temp file awaiting Commit or Abort.
type pendingFile struct {
	f        *os.File
	tmpPath  string
	dstPath  string
	finished bool
}

// Write implements io.Writer.
func (w *pendingFile) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrFinished
	}
	return w.f.Write(p)
}

func (w *pendingFile) TempPath() string {
	return w.tmpPath
}

// Commit syncs the temp file and renames it over the destination.
// On failure the temp file is removed.
func (w *pendingFile) Commit() error {
	if w.finished {
		return ErrFinished
	}
	w.finished = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// Abort closes the temp file and removes it unless keep is set.
func (w *pendingFile) Abort(keep bool) error {
	if w.finished {
		return nil
	}
	w.finished = true
	_ = w.f.Close()
	if keep {
		return nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing temp file: %w", err)
	}
	return nil
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)
