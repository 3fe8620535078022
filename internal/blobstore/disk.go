package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	diskFilePrefix    = "blob-"
	defaultBufferSize = 256 << 10
)

// DiskWriter streams blobs into files named after their id under a single directory.
type DiskWriter struct {
	dir     string
	buffers sync.Pool
}

// NewDiskWriter creates dir if needed and returns a writer rooted there.
func NewDiskWriter(dir string, bufferSize int) (*DiskWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	w := &DiskWriter{dir: dir}
	w.buffers.New = func() any {
		b := make([]byte, bufferSize)
		return &b
	}
	return w, nil
}

// Dir returns the directory blobs are written to.
func (w *DiskWriter) Dir() string { return w.dir }

// PathFor returns the file path for a blob id. The name never depends on client input.
func (w *DiskWriter) PathFor(id uuid.UUID) string {
	return filepath.Join(w.dir, diskFilePrefix+id.String())
}

// Write copies r into a new file for id. With declared >= 0 the stream must
// carry exactly declared bytes; with declared < 0 it may carry at most limit
// bytes. On any failure the partial file is removed before returning.
func (w *DiskWriter) Write(ctx context.Context, id uuid.UUID, r io.Reader, declared, limit int64) (path string, n int64, err error) {
	path = w.PathFor(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create blob file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				slog.WarnContext(ctx, "remove partial blob file", "path", path, "error", rmErr)
			}
		}
	}()

	bound := limit
	if declared >= 0 {
		bound = declared
	}

	bufp := w.buffers.Get().(*[]byte)
	defer w.buffers.Put(bufp)

	// One byte past the bound distinguishes "exactly full" from "overrun".
	src := io.LimitReader(&contextReader{ctx: ctx, r: r}, bound+1)
	n, err = io.CopyBuffer(f, src, *bufp)
	if err != nil {
		return "", n, fmt.Errorf("write blob file: %w", err)
	}

	switch {
	case n > bound && declared >= 0:
		return "", n, fmt.Errorf("%w: declared %d bytes", ErrOverrun, declared)
	case n > bound:
		return "", n, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	case declared >= 0 && n < declared:
		return "", n, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, declared)
	}

	if err = f.Close(); err != nil {
		return "", n, fmt.Errorf("close blob file: %w", err)
	}
	return path, n, nil
}

// Open opens a blob file for streaming.
func (w *DiskWriter) Open(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open blob file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat blob file: %w", err)
	}
	return f, info.Size(), nil
}

// Remove deletes a blob file. Missing files are not an error.
func (w *DiskWriter) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob file: %w", err)
	}
	return nil
}

// DiskFile is a blob file found in the writer's directory.
type DiskFile struct {
	ID      uuid.UUID
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the blob files in the directory. Foreign files are skipped.
func (w *DiskWriter) List() ([]DiskFile, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("list temp dir: %w", err)
	}

	files := make([]DiskFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), diskFilePrefix)
		if !ok {
			continue
		}
		id, err := uuid.Parse(rest)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, DiskFile{
			ID:      id,
			Path:    filepath.Join(w.dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

// contextReader fails reads once ctx is done so a dropped client stops the copy.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
