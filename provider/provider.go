package provider

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction.
// A typical Provider might be local storage, an in-memory filesystem or S3.
type Provider interface {
	// Stat returns the FileInfo for the given path. A missing path yields an
	// error matching fs.ErrNotExist.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite creates or truncates a file for streaming writes.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Remove permanently deletes a file.
	Remove(ctx context.Context, path string) error

	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, path string) error

	// Join joins path elements using the provider's separator.
	Join(elem ...string) string
}

// MetadataSetter is implemented by providers that can carry timestamps and
// mode bits of a source file over to a destination path.
type MetadataSetter interface {
	SetMetadata(ctx context.Context, path string, info FileInfo) error
}

// Aborter is implemented by writers that can discard everything written so
// far instead of committing it on Close.
type Aborter interface {
	Abort(err error) error
}

// Exists reports whether path exists on p. Errors other than "not found" are
// returned so callers can decide how to treat an unreadable destination.
func Exists(ctx context.Context, p Provider, path string) (bool, error) {
	_, err := p.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Basename returns the last element of path after stripping trailing
// separators, so a directory given as "/data/photos/" yields "photos".
func Basename(path string) string {
	trimmed := strings.TrimRight(path, "/"+string(os.PathSeparator))
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndexAny(trimmed, "/"+string(os.PathSeparator)); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
