package disc

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

const (
	// ClusterSize is the on-disc size of the atomic decryption unit.
	ClusterSize = 0x8000
	// ClusterPayloadSize is the data carried by one cluster after the hash header.
	ClusterPayloadSize = 0x7c00

	clusterHeaderSize = 0x400
	subBlockSize      = 0x400
	payloadIVOffset   = 0x3d0 // within the decrypted cluster header
)

// VerifyMode controls hash-tree checking during reads.
type VerifyMode int

const (
	// VerifyNone skips the hash tree entirely.
	VerifyNone VerifyMode = iota
	// VerifyLenient reports mismatches through Reader.OnHashMismatch and
	// keeps reading.
	VerifyLenient
	// VerifyStrict fails the read on the first mismatch.
	VerifyStrict
)

func (m VerifyMode) String() string {
	switch m {
	case VerifyNone:
		return "none"
	case VerifyLenient:
		return "lenient"
	case VerifyStrict:
		return "strict"
	default:
		return fmt.Sprintf("VerifyMode(%d)", int(m))
	}
}

// Reader is a seekable byte stream over a partition's decrypted data area.
// Read amortizes sequential access by reusing the last decrypted cluster.
// ReadAt works on call-local buffers and fresh cipher state, so by the usual
// convention it may be used from multiple goroutines; Read/Seek may not.
type Reader struct {
	part   *Partition
	verify VerifyMode

	// OnHashMismatch is invoked for every hash mismatch in lenient mode.
	// Strict mode fails the read instead. Must be set before reading.
	OnHashMismatch func(HashError)

	size int64
	cip  cipher.Block // nil for plain partitions
	hv   *hashVerifier

	offset  int64
	cur     int64 // cluster index held in hdr/payload, -1 when empty
	hdr     [clusterHeaderSize]byte
	payload [ClusterPayloadSize]byte
}

// OpenReader opens a decrypted, optionally verified view of the partition
// data. Each returned Reader owns its cluster scratch state, concurrent
// extraction should open one Reader per goroutine.
func (p *Partition) OpenReader(verify VerifyMode) (*Reader, error) {
	size, err := p.Size()
	if err != nil {
		return nil, err
	}

	r := &Reader{part: p, verify: verify, size: size, cur: -1}
	if p.plain {
		return r, nil
	}

	cip, err := aes.NewCipher(p.meta.titleKey[:])
	if err != nil {
		return nil, err
	}
	r.cip = cip

	if verify != VerifyNone {
		h3, err := loadH3(p)
		if err != nil {
			return nil, err
		}
		r.hv = &hashVerifier{h3: h3}
	}

	return r, nil
}

// Size reports the logical (decrypted) stream size.
func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Read(p []byte) (int, error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	if rest := r.size - r.offset; int64(len(p)) > rest {
		p = p[:rest]
	}

	if r.part.plain {
		n, err := r.part.disc.src.ReadAt(p, r.part.meta.dataOff+r.offset)
		r.offset += int64(n)
		return n, err
	}

	read := 0
	for read < len(p) {
		cluster := r.offset / ClusterPayloadSize
		if cluster != r.cur {
			if err := r.decryptCluster(cluster, r.hdr[:], r.payload[:]); err != nil {
				return read, err
			}
			r.cur = cluster
		}

		n := copy(p[read:], r.payload[r.offset%ClusterPayloadSize:])
		read += n
		r.offset += int64(n)
	}

	return read, nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > r.size || (off == r.size && len(p) > 0) {
		return 0, fmt.Errorf("offset %#x (size %#x): %w", off, r.size, ErrOutOfBounds)
	}
	if len(p) == 0 {
		return 0, nil
	}

	short := false
	if rest := r.size - off; int64(len(p)) > rest {
		p, short = p[:rest], true
	}

	var read int
	var err error
	if r.part.plain {
		read, err = r.part.disc.src.ReadAt(p, r.part.meta.dataOff+off)
	} else {
		read, err = r.readAtClusters(p, off)
	}

	if err == nil && short {
		err = io.EOF
	}

	return read, err
}

// readAtClusters serves ReadAt without touching the shared cluster cache.
func (r *Reader) readAtClusters(p []byte, off int64) (int, error) {
	var (
		hdr     [clusterHeaderSize]byte
		payload [ClusterPayloadSize]byte
	)

	read := 0
	for read < len(p) {
		cluster := off / ClusterPayloadSize
		if err := r.decryptCluster(cluster, hdr[:], payload[:]); err != nil {
			return read, err
		}

		n := copy(p[read:], payload[off%ClusterPayloadSize:])
		read += n
		off += int64(n)
	}

	return read, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.offset
	case io.SeekEnd:
		base = r.size
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if base+offset < 0 {
		return 0, fmt.Errorf("negative position: %w", ErrOutOfBounds)
	}

	r.offset = base + offset
	return r.offset, nil
}

// decryptCluster runs the per-cluster pipeline: raw read, header decryption
// with a zero IV, payload decryption with the IV taken from the decrypted
// header's hash area, then optional verification. Deterministic, no state
// besides the destination buffers.
func (r *Reader) decryptCluster(cluster int64, hdr, payload []byte) error {
	var raw [ClusterSize]byte
	if err := readFull(r.part.disc.src, r.part.meta.dataOff+cluster*ClusterSize, raw[:]); err != nil {
		return fmt.Errorf("cluster %d read failed: %w", cluster, err)
	}

	var zeroIV [aes.BlockSize]byte
	cipher.NewCBCDecrypter(r.cip, zeroIV[:]).CryptBlocks(hdr, raw[:clusterHeaderSize])
	cipher.NewCBCDecrypter(r.cip, hdr[payloadIVOffset:payloadIVOffset+aes.BlockSize]).CryptBlocks(payload, raw[clusterHeaderSize:])

	if r.hv == nil {
		return nil
	}

	for _, he := range r.hv.verifyCluster(hdr, payload, cluster) {
		if r.verify == VerifyStrict {
			return &HashError{Level: he.Level, Cluster: he.Cluster, SubBlock: he.SubBlock}
		}
		if r.OnHashMismatch != nil {
			r.OnHashMismatch(he)
		}
	}

	return nil
}

// Dump streams the whole decrypted partition, the flat-image counterpart of
// the encrypted on-disc layout. Useful for format conversion tooling.
func (p *Partition) Dump(w io.Writer, verify VerifyMode) (int64, error) {
	r, err := p.OpenReader(verify)
	if err != nil {
		return 0, err
	}

	return io.Copy(w, r)
}

// OpenFile returns a reader over one file's extent inside the partition.
func (p *Partition) OpenFile(e Entry, verify VerifyMode) (*io.SectionReader, error) {
	if e.IsDir {
		return nil, fmt.Errorf("%q is a directory", e.Name)
	}

	r, err := p.OpenReader(verify)
	if err != nil {
		return nil, err
	}

	return io.NewSectionReader(r, e.Offset, e.Size), nil
}
