package disc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFormat occurs when magic values at open time match no supported disc format.
	ErrUnknownFormat = errors.New("unknown disc format")

	// ErrOutOfBounds occurs on reads past the logical end of a source or partition.
	ErrOutOfBounds = errors.New("read out of bounds")

	// ErrTruncatedContainer occurs when a constituent file of a virtualized set
	// is missing or shorter than its declared length.
	ErrTruncatedContainer = errors.New("truncated container")

	// ErrUnsupportedEncryption occurs when a partition references a common key
	// that is unknown or not installed. It is scoped to that partition.
	ErrUnsupportedEncryption = errors.New("unsupported encryption")

	// ErrHashMismatch is matched by HashError via errors.Is.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrNotFound occurs when a path does not resolve to a file system entry.
	ErrNotFound = errors.New("entry not found")

	// ErrCorrupt occurs when a header, partition table or file system table
	// is structurally invalid and cannot be parsed at all.
	ErrCorrupt = errors.New("corrupt image")
)

// HashLevel is a level of the nested integrity hash tree.
type HashLevel int

const (
	// HashH0 covers a single 0x400-byte sub-block of a cluster payload.
	HashH0 HashLevel = iota
	// HashH1 covers the 31 H0 hashes of one cluster.
	HashH1
	// HashH2 covers the 8 H1 tables of one group.
	HashH2
	// HashH3 covers the 8 H2 tables of one supergroup, rooted in the disc-wide table.
	HashH3
)

func (l HashLevel) String() string {
	switch l {
	case HashH0:
		return "H0"
	case HashH1:
		return "H1"
	case HashH2:
		return "H2"
	case HashH3:
		return "H3"
	default:
		return fmt.Sprintf("HashLevel(%d)", int(l))
	}
}

// HashError describes a single integrity failure. SubBlock is meaningful
// only for HashH0 and is -1 otherwise.
type HashError struct {
	Level    HashLevel
	Cluster  int64
	SubBlock int
}

func (e *HashError) Error() string {
	if e.Level == HashH0 {
		return fmt.Sprintf("%s hash mismatch at cluster %d sub-block %d", e.Level, e.Cluster, e.SubBlock)
	}

	return fmt.Sprintf("%s hash mismatch at cluster %d", e.Level, e.Cluster)
}

func (e *HashError) Is(target error) bool { return target == ErrHashMismatch }
