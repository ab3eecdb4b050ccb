package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	_ Provider       = (*LocalProvider)(nil)
	_ MetadataSetter = (*LocalProvider)(nil)
	_ Aborter        = (*stagedFile)(nil)
)

// LocalProvider serves files from the local filesystem.
//
// Writes are staged in a hidden sibling file and moved to the destination on
// Close, so a copy that fails or is cancelled never leaves a truncated file
// under the final name. A destination that already exists is never replaced.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return InfoOf(info), nil
}

// List returns the entries of a directory in name order. Staging files of
// in-flight copies are left out.
func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if isStaging(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		infos = append(infos, InfoOf(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(p.resolve(path))
}

// OpenWrite stages the content next to path. Nothing appears at path until
// Close succeeds.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	final := p.resolve(path)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, stagingPrefix+filepath.Base(final)+"-*")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", final, err)
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("staging %s: %w", final, err)
	}
	return &stagedFile{File: f, final: final}, nil
}

func (p *LocalProvider) Remove(ctx context.Context, path string) error {
	return os.Remove(p.resolve(path))
}

func (p *LocalProvider) Mkdir(ctx context.Context, path string) error {
	return os.MkdirAll(p.resolve(path), 0755)
}

func (p *LocalProvider) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// SetMetadata copies mode bits and the modification time of info onto path.
func (p *LocalProvider) SetMetadata(ctx context.Context, path string, info FileInfo) error {
	return ApplyMetadata(p.resolve(path), info)
}

const stagingPrefix = ".gcopy-"

func isStaging(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}

// stagedFile is a temporary file that becomes final on Close.
type stagedFile struct {
	*os.File
	final string
	done  bool
}

// Close syncs the staged content and moves it to the destination. An existing
// destination is never replaced: Close then fails with an error matching
// fs.ErrExist and the staged content is discarded.
func (s *stagedFile) Close() error {
	if s.done {
		return os.ErrClosed
	}
	s.done = true

	err := errors.Join(s.File.Sync(), s.File.Close())
	if err == nil {
		err = commit(s.File.Name(), s.final)
	}
	if err != nil {
		os.Remove(s.File.Name())
		return fmt.Errorf("committing %s: %w", s.final, err)
	}
	return nil
}

// commit links staged to final, failing if final exists. Filesystems
// without hard links fall back to a checked rename.
func commit(staged, final string) error {
	err := os.Link(staged, final)
	if err == nil {
		// The committed content is already visible under final.
		_ = os.Remove(staged)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}
	if _, statErr := os.Lstat(final); statErr == nil {
		return &fs.PathError{Op: "commit", Path: final, Err: fs.ErrExist}
	}
	return os.Rename(staged, final)
}

// Abort discards the staged content. The destination is left untouched.
func (s *stagedFile) Abort(cause error) error {
	if s.done {
		return nil
	}
	s.done = true
	return errors.Join(s.File.Close(), os.Remove(s.File.Name()))
}
