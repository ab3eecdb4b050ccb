package provider

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillyProvider_WriteReadRemove(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	wc, err := p.OpenWrite(ctx, "/dst/nested/file.txt")
	require.NoError(t, err)
	_, err = wc.Write([]byte("in memory"))
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	info, err := p.Stat(ctx, "/dst/nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len("in memory")), info.Size())
	assert.False(t, info.IsDir())

	rc, err := p.OpenRead(ctx, "/dst/nested/file.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "in memory", string(data))

	require.NoError(t, p.Remove(ctx, "/dst/nested/file.txt"))
	exists, err := Exists(ctx, p, "/dst/nested/file.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBillyProvider_ListAndMkdir(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	require.NoError(t, p.Mkdir(ctx, "/src/sub"))
	require.NoError(t, util.WriteFile(p.Filesystem(), "/src/a.txt", []byte("a"), 0644))

	infos, err := p.List(ctx, "/src")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name()] = info.IsDir()
	}
	assert.Equal(t, map[string]bool{"a.txt": false, "sub": true}, names)
}

func TestBillyProvider_StatMissing(t *testing.T) {
	p := NewMemoryProvider()
	_, err := p.Stat(context.Background(), "/nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type recordingFS struct {
	billy.Filesystem
	modes map[string]os.FileMode
	mtime map[string]time.Time
}

func (r *recordingFS) Chmod(name string, mode os.FileMode) error {
	r.modes[name] = mode
	return nil
}

func (r *recordingFS) Chtimes(name string, atime, mtime time.Time) error {
	r.mtime[name] = mtime
	return nil
}

func TestBillyProvider_SetMetadata(t *testing.T) {
	fs := &recordingFS{
		Filesystem: memfs.New(),
		modes:      map[string]os.FileMode{},
		mtime:      map[string]time.Time{},
	}
	p := NewBillyProvider(fs)
	ctx := context.Background()

	mtime := time.Date(2019, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, p.SetMetadata(ctx, "out.txt", Info{FileName: "in.txt", Modified: mtime, Perm: 0600}))

	assert.Equal(t, os.FileMode(0600), fs.modes["out.txt"])
	assert.True(t, fs.mtime["out.txt"].Equal(mtime))
}
