package disc

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Source is a random-access byte source over a disc image. For plain images
// it is a thin file wrapper, for virtualized sets it hides multi-file
// striping and block encryption. ReadAt must be safe for concurrent use.
type Source interface {
	io.ReaderAt
	io.Closer

	Size() int64
}

type fileSource struct {
	f    afero.File
	size int64
}

func newFileSource(f afero.File) (*fileSource, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat failed: %w", err)
	}

	return &fileSource{f: f, size: stat.Size()}, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s *fileSource) Size() int64 { return s.size }

func (s *fileSource) Close() error { return s.f.Close() }

// readFull reads exactly len(buf) bytes at off. Ranges outside [0, src.Size())
// fail with ErrOutOfBounds, short reads inside the declared size with
// ErrTruncatedContainer. A zero-length read at a valid offset is a no-op.
func readFull(src Source, off int64, buf []byte) error {
	if off < 0 || off > src.Size() {
		return fmt.Errorf("offset %#x (size %#x): %w", off, src.Size(), ErrOutOfBounds)
	}
	if len(buf) == 0 {
		return nil
	}
	if off+int64(len(buf)) > src.Size() {
		return fmt.Errorf("range %#x+%#x (size %#x): %w", off, len(buf), src.Size(), ErrOutOfBounds)
	}

	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}

	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("short read at %#x (%d of %d bytes): %w", off, n, len(buf), ErrTruncatedContainer)
	}

	return err
}
