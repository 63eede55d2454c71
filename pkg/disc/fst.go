package disc

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/text/encoding"
)

// FST is a partition's File System Table: a flat entry array forming an
// implicit tree. A directory entry records the index one past its last
// descendant, so a subtree is a contiguous index range and can be skipped in
// O(1). The arena layout is kept as-is, entries reference each other by
// index only.
//
// On-disc entry layout, 12 bytes big-endian:
//
//	0x0  flags (0 file, 1 directory)
//	0x1  name offset into the trailing string table, u24
//	0x4  file: data offset (wii: >>2); directory: parent index
//	0x8  file: size; directory: end of subtree (exclusive index)
//
// Entry 0 is the root directory and spans the whole array.
const (
	fstEntrySize = 12
	fstEntryDir  = 1

	fstEntriesLimit = 1 << 22 // sanity bound before allocating
)

type fstNode struct {
	dir     bool
	name    string
	parent  int
	offset  int64 // files only
	size    int64 // files only
	end     int   // directories only, exclusive
}

// Entry is a resolved FST entry. The zero Entry is not valid, entries come
// from FST lookups and traversal.
type Entry struct {
	// Index is the entry's position in the flat array.
	Index int
	// IsDir reports whether the entry is a directory.
	IsDir bool
	// Name is the decoded entry name, empty for the root.
	Name string
	// ParentIndex is the index of the containing directory, 0 for the root itself.
	ParentIndex int
	// Offset is the file data offset inside the decrypted partition stream.
	Offset int64
	// Size is the file size in bytes.
	Size int64
	// EndIndex is one past the last descendant for directories.
	EndIndex int
}

type FST struct {
	nodes []fstNode
}

// parseFST decodes the flat entry array plus trailing string table. Names
// run through dec when set, plain ASCII names take a fast path.
func parseFST(data []byte, wii bool, dec *encoding.Decoder) (*FST, error) {
	if len(data) < fstEntrySize {
		return nil, fmt.Errorf("fst too small (%d bytes): %w", len(data), ErrCorrupt)
	}
	if data[0] != fstEntryDir {
		return nil, fmt.Errorf("fst root is not a directory: %w", ErrCorrupt)
	}

	count := int(binary.BigEndian.Uint32(data[8:12]))
	if count < 1 || count > fstEntriesLimit || count*fstEntrySize > len(data) {
		return nil, fmt.Errorf("fst entry count %d out of range: %w", count, ErrCorrupt)
	}
	names := data[count*fstEntrySize:]

	fst := &FST{nodes: make([]fstNode, count)}
	// stack of enclosing directories, maintained by end index
	dirs := []int{0}
	for i := 0; i < count; i++ {
		raw := data[i*fstEntrySize : (i+1)*fstEntrySize]

		for len(dirs) > 1 && i >= fst.nodes[dirs[len(dirs)-1]].end {
			dirs = dirs[:len(dirs)-1]
		}

		node := &fst.nodes[i]
		node.dir = raw[0] == fstEntryDir
		node.parent = dirs[len(dirs)-1]

		if !node.dir && raw[0] != 0 {
			return nil, fmt.Errorf("fst entry %d: unknown flags %#x: %w", i, raw[0], ErrCorrupt)
		}

		if i > 0 {
			nameOff := int(binary.BigEndian.Uint32(raw[0:4]) & 0xffffff)
			name, err := decodeName(names, nameOff, dec)
			if err != nil {
				return nil, fmt.Errorf("fst entry %d: %w", i, err)
			}
			node.name = name
		}

		switch {
		case node.dir:
			node.end = int(binary.BigEndian.Uint32(raw[8:12]))
			if node.end <= i || node.end > count {
				return nil, fmt.Errorf("fst directory %d: subtree end %d out of range: %w", i, node.end, ErrCorrupt)
			}
			if encl := fst.nodes[node.parent].end; i > 0 && node.end > encl {
				return nil, fmt.Errorf("fst directory %d: subtree end %d escapes parent: %w", i, node.end, ErrCorrupt)
			}
			dirs = append(dirs, i)
		default:
			node.offset = int64(binary.BigEndian.Uint32(raw[4:8]))
			if wii {
				node.offset <<= partitionShift
			}
			node.size = int64(binary.BigEndian.Uint32(raw[8:12]))
		}
	}

	return fst, nil
}

func decodeName(names []byte, off int, dec *encoding.Decoder) (string, error) {
	if off >= len(names) {
		return "", fmt.Errorf("name offset %#x past string table: %w", off, ErrCorrupt)
	}

	raw := names[off:]
	end := 0
	ascii := true
	for ; end < len(raw) && raw[end] != 0; end++ {
		if raw[end] >= 0x80 {
			ascii = false
		}
	}
	if end == len(raw) {
		return "", fmt.Errorf("unterminated name at %#x: %w", off, ErrCorrupt)
	}

	if ascii || dec == nil {
		return string(raw[:end]), nil
	}

	name, err := dec.Bytes(raw[:end])
	if err != nil {
		return "", fmt.Errorf("name decode failed: %w", err)
	}

	return string(name), nil
}

// Len reports the number of entries including the root.
func (f *FST) Len() int { return len(f.nodes) }

// Entry returns the entry at index i.
func (f *FST) Entry(i int) Entry {
	node := &f.nodes[i]
	e := Entry{
		Index:       i,
		IsDir:       node.dir,
		Name:        node.name,
		ParentIndex: node.parent,
	}
	if node.dir {
		e.EndIndex = node.end
	} else {
		e.Offset = node.offset
		e.Size = node.size
	}

	return e
}

// Root returns the root directory entry.
func (f *FST) Root() Entry { return f.Entry(0) }

// Children enumerates the direct children of a directory, skipping over
// nested subtrees via their end index. Cost is O(children).
func (f *FST) Children(dir Entry) []Entry {
	if !dir.IsDir {
		return nil
	}

	var children []Entry
	for i := dir.Index + 1; i < dir.EndIndex; {
		child := f.Entry(i)
		children = append(children, child)
		if child.IsDir {
			i = child.EndIndex
		} else {
			i++
		}
	}

	return children
}

// Lookup resolves a slash-separated path to an entry. Leading and trailing
// slashes are ignored, an empty path resolves to the root. A miss fails
// with ErrNotFound.
func (f *FST) Lookup(p string) (Entry, error) {
	cur := f.Root()
	for _, elem := range strings.Split(p, "/") {
		if elem == "" {
			continue
		}
		if !cur.IsDir {
			return Entry{}, fmt.Errorf("%q: %w", p, ErrNotFound)
		}

		found := false
		for _, child := range f.Children(cur) {
			if child.Name == elem {
				cur, found = child, true
				break
			}
		}
		if !found {
			return Entry{}, fmt.Errorf("%q: %w", p, ErrNotFound)
		}
	}

	return cur, nil
}

// Path computes the full slash-separated path of an entry.
func (f *FST) Path(e Entry) string {
	if e.Index == 0 {
		return "/"
	}

	elems := []string{e.Name}
	for i := e.ParentIndex; i != 0; i = f.nodes[i].parent {
		elems = append([]string{f.nodes[i].name}, elems...)
	}

	return "/" + path.Join(elems...)
}

// Walk visits every entry except the root in index (depth-first) order.
// Returning an error from fn stops the walk, io.EOF stops it silently.
func (f *FST) Walk(fn func(path string, e Entry) error) error {
	for i := 1; i < len(f.nodes); i++ {
		e := f.Entry(i)
		if err := fn(f.Path(e), e); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}

	return nil
}

// FileSystem parses and caches the partition's FST. The table location
// comes from the boot block embedded at the start of the decrypted
// partition data.
func (p *Partition) FileSystem() (*FST, error) {
	p.fstOnce.Do(func() { p.fst, p.fstErr = p.loadFST() })
	return p.fst, p.fstErr
}

func (p *Partition) loadFST() (*FST, error) {
	r, err := p.OpenReader(VerifyNone)
	if err != nil {
		return nil, err
	}

	var boot [bootHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(r, 0, bootHeaderSize), boot[:]); err != nil {
		return nil, fmt.Errorf("partition boot block read failed: %w", err)
	}

	fstOff := int64(binary.BigEndian.Uint32(boot[0x424:]))
	fstSize := int64(binary.BigEndian.Uint32(boot[0x428:]))
	if !p.plain {
		fstOff <<= partitionShift
		fstSize <<= partitionShift
	}
	if fstSize < fstEntrySize || fstSize > fstEntriesLimit*fstEntrySize {
		return nil, fmt.Errorf("fst size %#x out of range: %w", fstSize, ErrCorrupt)
	}

	data := make([]byte, fstSize)
	if _, err := io.ReadFull(io.NewSectionReader(r, fstOff, fstSize), data); err != nil {
		return nil, fmt.Errorf("fst read failed: %w", err)
	}

	return parseFST(data, !p.plain, p.disc.nameDec)
}
