// Package copier provides io.Copy with pooled buffers to keep large
// streaming copies (partition dumps, file extraction) from allocating a
// fresh buffer per call.
package copier

import (
	"io"
	"sync"
)

type Copier struct {
	pool *sync.Pool
}

// NewPooledCopier makes a Copier that reuses buffers of the given size.
func NewPooledCopier(bufferSize int64) *Copier {
	return &Copier{
		pool: &sync.Pool{
			New: func() any {
				ret := make([]byte, bufferSize)
				return &ret
			},
		},
	}
}

// writerOnly and readerOnly hide ReaderFrom/WriterTo so io.CopyBuffer
// actually uses the pooled buffer.
type writerOnly struct{ io.Writer }

type readerOnly struct{ io.Reader }

func (c *Copier) Copy(w io.Writer, r io.Reader) (int64, error) {
	if c.pool == nil {
		return io.Copy(w, r)
	}

	buf := c.pool.Get().(*[]byte)
	defer c.pool.Put(buf)

	return io.CopyBuffer(writerOnly{w}, readerOnly{r}, *buf)
}
