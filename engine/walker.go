package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/franksops/gocopy/provider"
)

// ErrNoBasename is returned when a directory source has no name to recreate
// under the destination, such as a filesystem root.
var ErrNoBasename = errors.New("source directory has no name")

// Submitter accepts jobs discovered by a Walker. *Coordinator implements it.
type Submitter interface {
	Submit(job *TransferJob)
}

// Walker turns a source path into transfer jobs. It traverses directories
// iteratively to avoid deep recursion on very deep trees.
type Walker struct {
	Source      provider.Provider
	Destination provider.Provider
	Submitter   Submitter
}

// NewWalker creates a new iterative directory walker.
func NewWalker(src, dst provider.Provider, sub Submitter) *Walker {
	return &Walker{
		Source:      src,
		Destination: dst,
		Submitter:   sub,
	}
}

// Submit builds one job for srcPath and hands it to the submitter.
func (w *Walker) Submit(ctx context.Context, srcPath, dstPath string, size int64) *TransferJob {
	job := NewTransferJob(ctx, w.Source, w.Destination, srcPath, dstPath, size)
	w.Submitter.Submit(job)
	return job
}

// Walk submits a job for sourcePath, or one job per file when it is a
// directory. A directory is recreated as destPath/basename(sourcePath) and
// every subdirectory is created before its files are submitted. It returns
// the number of jobs submitted.
func (w *Walker) Walk(ctx context.Context, sourcePath string, destPath string) (int, error) {
	stat, err := w.Source.Stat(ctx, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat source %s: %w", sourcePath, err)
	}

	// If the root itself is just a file, we submit one job and return.
	if !stat.IsDir() {
		w.Submit(ctx, sourcePath, destPath, stat.Size())
		return 1, nil
	}

	name := provider.Basename(sourcePath)
	if name == "" {
		return 0, fmt.Errorf("walking %s: %w", sourcePath, ErrNoBasename)
	}

	type walkItem struct {
		src string
		dst string
	}

	root := walkItem{src: sourcePath, dst: w.Destination.Join(destPath, name)}
	if err := w.Destination.Mkdir(ctx, root.dst); err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", root.dst, err)
	}

	stack := []walkItem{root}
	submitted := 0

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return submitted, ctx.Err()
		default:
		}

		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := w.Source.List(ctx, curr.src)
		if err != nil {
			return submitted, fmt.Errorf("failed to list directory %s: %w", curr.src, err)
		}

		for _, entry := range entries {
			srcPath := w.Source.Join(curr.src, entry.Name())

			if entry.IsDir() {
				dst := w.Destination.Join(curr.dst, entry.Name())
				if err := w.Destination.Mkdir(ctx, dst); err != nil {
					return submitted, fmt.Errorf("failed to create directory %s: %w", dst, err)
				}
				stack = append(stack, walkItem{src: srcPath, dst: dst})
				continue
			}

			// The directory destination resolves to dst/name inside the job.
			w.Submit(ctx, srcPath, curr.dst, entry.Size())
			submitted++
		}
	}

	return submitted, nil
}
