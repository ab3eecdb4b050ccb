package provider

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// ModeInfo is a FileInfo that also carries permission bits.
type ModeInfo interface {
	FileInfo
	Mode() fs.FileMode
}

// Info is a FileInfo value for backends without a native stat type. A zero
// Perm means the backend has no mode bits.
type Info struct {
	FileName string
	FileSize int64
	Dir      bool
	Modified time.Time
	Perm     fs.FileMode
}

func (i Info) Name() string       { return i.FileName }
func (i Info) Size() int64        { return i.FileSize }
func (i Info) IsDir() bool        { return i.Dir }
func (i Info) ModTime() time.Time { return i.Modified }
func (i Info) Mode() fs.FileMode  { return i.Perm }

// InfoOf copies the fields gocopy uses out of an fs.FileInfo.
func InfoOf(fi fs.FileInfo) Info {
	return Info{
		FileName: fi.Name(),
		FileSize: fi.Size(),
		Dir:      fi.IsDir(),
		Modified: fi.ModTime(),
		Perm:     fi.Mode().Perm(),
	}
}

// attrSetter is the subset of filesystem calls ApplyMetadata makes. The os
// package and chroot billy filesystems both provide it.
type attrSetter interface {
	Chmod(name string, mode fs.FileMode) error
	Chtimes(name string, atime, mtime time.Time) error
}

type osAttrs struct{}

func (osAttrs) Chmod(name string, mode fs.FileMode) error { return os.Chmod(name, mode) }

func (osAttrs) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}

// ApplyMetadata copies the permission bits and modification time of info
// onto the local file at path. Both are attempted and their errors joined.
func ApplyMetadata(path string, info FileInfo) error {
	return applyMetadata(osAttrs{}, path, info)
}

func applyMetadata(set attrSetter, path string, info FileInfo) error {
	if info == nil {
		return nil
	}

	var chmodErr, timesErr error
	if mi, ok := info.(ModeInfo); ok && mi.Mode() != 0 {
		chmodErr = set.Chmod(path, mi.Mode())
	}
	// Last, since writing the file moved its mtime.
	if mtime := info.ModTime(); !mtime.IsZero() {
		timesErr = set.Chtimes(path, time.Now(), mtime)
	}
	return errors.Join(chmodErr, timesErr)
}
