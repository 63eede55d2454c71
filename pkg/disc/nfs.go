package disc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// Virtualized container set: a disc image split across several physical
// files ("hif_000000.nfs", "hif_000001.nfs", ...), each block-encrypted with
// a single key/IV declared in a set header at the start of the first file.
// Layout of the 0x200-byte set header (big-endian):
//
//	0x000  fourcc "EGGS"
//	0x004  version (1)
//	0x008  file count
//	0x00c  pad
//	0x010  logical length per file, u64 each
//	0x1d0  AES-128 key
//	0x1e0  base IV
//	0x1fc  fourcc "SGGE"
//
// File payloads follow the header (first file) or start at offset 0 (the
// rest) and are encrypted in 0x8000-byte physical blocks with AES-CBC.
// The block IV is the base IV with the set-global block index encoded
// big-endian into its last 4 bytes. The last block of a file is padded to
// full block size on disk, padding is discarded after decryption.
const (
	nfsBlockSize  = 0x8000
	nfsHeaderSize = 0x200

	nfsLengthsOffset  = 0x010
	nfsKeyOffset      = 0x1d0
	nfsIVOffset       = 0x1e0
	nfsEndMagicOffset = 0x1fc

	nfsVersion  = 1
	nfsMaxFiles = (nfsKeyOffset - nfsLengthsOffset) / 8

	// NFSFirstFile is the name of the constituent file carrying the set header.
	NFSFirstFile = "hif_000000.nfs"

	nfsFileFormat = "hif_%06d.nfs"
)

var (
	nfsMagic    = [4]byte{'E', 'G', 'G', 'S'}
	nfsEndMagic = [4]byte{'S', 'G', 'G', 'E'}
)

type nfsSegment struct {
	file afero.File

	logicalStart int64 // offset of this file's payload in the logical stream
	length       int64 // logical payload length
	physStart    int64 // payload offset within the physical file
	blockBase    int64 // set-global index of this file's first block
}

type nfsSource struct {
	segments []nfsSegment
	size     int64
	cip      cipher.Block
	baseIV   [aes.BlockSize]byte
}

// openNFS assembles a virtualized set from its directory.
func openNFS(fsys afero.Fs, dir string) (*nfsSource, error) {
	first, err := fsys.Open(filepath.Join(dir, NFSFirstFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("missing %s: %w", NFSFirstFile, ErrTruncatedContainer)
		}
		return nil, err
	}

	src := &nfsSource{}
	if err = src.init(fsys, dir, first); err != nil {
		if len(src.segments) == 0 { // first file not registered as a segment yet
			_ = first.Close()
		}
		_ = src.Close()
		return nil, err
	}

	return src, nil
}

func (n *nfsSource) init(fsys afero.Fs, dir string, first afero.File) error {
	var hdr [nfsHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(first, 0, nfsHeaderSize), hdr[:]); err != nil {
		return fmt.Errorf("set header read failed: %w", ErrTruncatedContainer)
	}

	if !bytes.Equal(hdr[0:4], nfsMagic[:]) || !bytes.Equal(hdr[nfsEndMagicOffset:nfsEndMagicOffset+4], nfsEndMagic[:]) {
		return fmt.Errorf("bad set header magic: %w", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != nfsVersion {
		return fmt.Errorf("unsupported set version %d: %w", v, ErrCorrupt)
	}

	count := binary.BigEndian.Uint32(hdr[8:12])
	if count == 0 || count > nfsMaxFiles {
		return fmt.Errorf("implausible file count %d: %w", count, ErrCorrupt)
	}

	cip, err := aes.NewCipher(hdr[nfsKeyOffset : nfsKeyOffset+aes.BlockSize])
	if err != nil {
		return err
	}

	n.cip = cip
	copy(n.baseIV[:], hdr[nfsIVOffset:nfsIVOffset+aes.BlockSize])

	var logical, blocks int64
	n.segments = make([]nfsSegment, count)
	for i := range n.segments {
		f := first
		if i > 0 {
			f, err = fsys.Open(filepath.Join(dir, fmt.Sprintf(nfsFileFormat, i)))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("missing constituent file %d: %w", i, ErrTruncatedContainer)
				}
				return err
			}
		}
		n.segments[i].file = f

		length := int64(binary.BigEndian.Uint64(hdr[nfsLengthsOffset+8*i:]))
		if length <= 0 {
			return fmt.Errorf("file %d: non-positive length %#x: %w", i, length, ErrCorrupt)
		}

		n.segments[i].logicalStart = logical
		n.segments[i].length = length
		n.segments[i].blockBase = blocks
		if i == 0 {
			n.segments[i].physStart = nfsHeaderSize
		}

		logical += length
		blocks += (length + nfsBlockSize - 1) / nfsBlockSize
	}

	n.size = logical
	return nil
}

func (n *nfsSource) Size() int64 { return n.size }

func (n *nfsSource) Close() error {
	var errs []error
	for _, seg := range n.segments {
		if seg.file != nil {
			errs = append(errs, seg.file.Close())
		}
	}

	return errors.Join(errs...)
}

// ReadAt exposes the decrypted logical stream. Reads spanning constituent
// files are split per segment; cipher state is created per block so calls
// are safe from multiple goroutines.
func (n *nfsSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > n.size || (off == n.size && len(p) > 0) {
		return 0, fmt.Errorf("offset %#x (size %#x): %w", off, n.size, ErrOutOfBounds)
	}
	if len(p) == 0 {
		return 0, nil
	}

	read := 0
	for read < len(p) && off < n.size {
		seg := n.segmentAt(off)
		nn, err := n.readSegment(seg, p[read:], off)
		read += nn
		off += int64(nn)
		if err != nil {
			return read, err
		}
	}

	if read < len(p) {
		return read, io.EOF
	}

	return read, nil
}

func (n *nfsSource) segmentAt(off int64) *nfsSegment {
	for i := range n.segments {
		seg := &n.segments[i]
		if off >= seg.logicalStart && off < seg.logicalStart+seg.length {
			return seg
		}
	}

	return nil // unreachable, callers bound off by size
}

// readSegment reads as much of p as this segment covers, decrypting the
// covering physical blocks one by one.
func (n *nfsSource) readSegment(seg *nfsSegment, p []byte, off int64) (int, error) {
	local := off - seg.logicalStart
	want := int64(len(p))
	if rest := seg.length - local; want > rest {
		want = rest
	}

	var block [nfsBlockSize]byte
	read := int64(0)
	for read < want {
		blockIdx := (local + read) / nfsBlockSize
		inBlock := (local + read) % nfsBlockSize

		// logical bytes this physical block carries (the last one may be padded)
		carried := seg.length - blockIdx*nfsBlockSize
		if carried > nfsBlockSize {
			carried = nfsBlockSize
		}

		if err := n.decryptBlock(seg, blockIdx, carried, block[:]); err != nil {
			return int(read), err
		}

		copied := copy(p[read:want], block[inBlock:carried])
		read += int64(copied)
	}

	return int(read), nil
}

func (n *nfsSource) decryptBlock(seg *nfsSegment, blockIdx, carried int64, block []byte) error {
	got, err := seg.file.ReadAt(block, seg.physStart+blockIdx*nfsBlockSize)
	if err != nil && err != io.EOF {
		return err
	}

	// CBC works on 16-byte blocks, so ciphertext must cover the carried
	// bytes rounded up. Anything past that is padding and may be absent.
	needed := (carried + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
	if int64(got) < needed {
		return fmt.Errorf("constituent file short at block %d (%d of %d bytes): %w",
			seg.blockBase+blockIdx, got, needed, ErrTruncatedContainer)
	}

	for i := got; i < len(block); i++ {
		block[i] = 0
	}

	iv := n.baseIV
	binary.BigEndian.PutUint32(iv[aes.BlockSize-4:], uint32(seg.blockBase+blockIdx))
	cipher.NewCBCDecrypter(n.cip, iv[:]).CryptBlocks(block, block)
	return nil
}
