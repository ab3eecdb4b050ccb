package provider

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

var (
	_ Provider       = (*BillyProvider)(nil)
	_ MetadataSetter = (*BillyProvider)(nil)
)

// BillyProvider serves a go-billy filesystem. The engine tests run every
// transfer against its in-memory tree.
type BillyProvider struct {
	fs billy.Filesystem
}

func NewBillyProvider(fs billy.Filesystem) *BillyProvider {
	return &BillyProvider{fs: fs}
}

// NewMemoryProvider returns a provider backed by an empty in-memory tree.
func NewMemoryProvider() *BillyProvider {
	return NewBillyProvider(memfs.New())
}

// Filesystem returns the wrapped filesystem.
func (p *BillyProvider) Filesystem() billy.Filesystem {
	return p.fs
}

// pathErr tags err with the operation and path, keeping it matchable with
// errors.Is.
func pathErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: "billy " + op, Path: name, Err: err}
}

func (p *BillyProvider) Stat(ctx context.Context, name string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fi, err := p.fs.Stat(name)
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return InfoOf(fi), nil
}

func (p *BillyProvider) List(ctx context.Context, name string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := p.fs.ReadDir(name)
	if err != nil {
		return nil, pathErr("readdir", name, err)
	}
	out := make([]FileInfo, len(entries))
	for i, e := range entries {
		out[i] = InfoOf(e)
	}
	return out, nil
}

func (p *BillyProvider) OpenRead(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := p.fs.Open(name)
	if err != nil {
		return nil, pathErr("open", name, err)
	}
	return f, nil
}

func (p *BillyProvider) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.fs.MkdirAll(path.Dir(name), 0755); err != nil {
		return nil, pathErr("mkdir", path.Dir(name), err)
	}
	f, err := p.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, pathErr("create", name, err)
	}
	return f, nil
}

func (p *BillyProvider) Remove(_ context.Context, name string) error {
	return pathErr("remove", name, p.fs.Remove(name))
}

func (p *BillyProvider) Mkdir(_ context.Context, name string) error {
	return pathErr("mkdir", name, p.fs.MkdirAll(name, 0755))
}

func (p *BillyProvider) Join(elem ...string) string {
	return p.fs.Join(elem...)
}

// SetMetadata applies mode bits and mtime on filesystems that can change
// them and is a no-op on the rest.
func (p *BillyProvider) SetMetadata(_ context.Context, name string, info FileInfo) error {
	set, ok := p.fs.(attrSetter)
	if !ok {
		return nil
	}
	return applyMetadata(set, name, info)
}
