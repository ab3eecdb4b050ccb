package engine

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc64"
	"io"

	"github.com/franksops/gocopy/provider"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ErrChecksumMismatch is returned when a copy does not read back as written.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// crc accumulates a CRC64 (ISO polynomial) and a byte count over a stream.
type crc struct {
	hash hash.Hash64
	n    int64
}

func newCRC() crc {
	return crc{hash: crc64.New(crcTable)}
}

func (c *crc) add(p []byte) {
	c.n += int64(len(p))
	c.hash.Write(p)
}

// Checksum returns the CRC64 of the bytes seen so far.
func (c *crc) Checksum() uint64 {
	return c.hash.Sum64()
}

// ChecksumWriter computes the CRC64 of everything the wrapped writer
// accepted. Bytes a short write rejected are not counted.
type ChecksumWriter struct {
	w io.Writer
	crc
}

func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, crc: newCRC()}
}

func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.add(p[:n])
	}
	return n, err
}

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}

// ChecksumReader computes the CRC64 of everything read through it.
type ChecksumReader struct {
	r io.Reader
	crc
}

func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, crc: newCRC()}
}

func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.add(p[:n])
	}
	return n, err
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumFile streams path from p and returns its CRC64 and length. It is
// used to check a finished copy against the checksum recorded while writing.
// ctx is checked between chunks.
func ChecksumFile(ctx context.Context, p provider.Provider, path string) (uint64, int64, error) {
	rc, err := p.OpenRead(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer rc.Close()

	cr := NewChecksumReader(rc)
	buf := make([]byte, 256<<10)
	for {
		if err := ctx.Err(); err != nil {
			return 0, cr.BytesRead(), err
		}
		_, err := cr.Read(buf)
		if err == io.EOF {
			return cr.Checksum(), cr.BytesRead(), nil
		}
		if err != nil {
			return 0, cr.BytesRead(), fmt.Errorf("reading %s: %w", path, err)
		}
	}
}
