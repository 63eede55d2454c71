package disc

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
)

// PartitionType is the declared role of a partition in the partition table.
type PartitionType uint32

const (
	PartitionData    PartitionType = 0
	PartitionUpdate  PartitionType = 1
	PartitionChannel PartitionType = 2
)

func (t PartitionType) String() string {
	switch t {
	case PartitionData:
		return "data"
	case PartitionUpdate:
		return "update"
	case PartitionChannel:
		return "channel"
	}

	// other types encode a four-character code
	var cc [4]byte
	binary.BigEndian.PutUint32(cc[:], uint32(t))
	for _, c := range cc {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%#08x", uint32(t))
		}
	}

	return string(cc[:])
}

const (
	partitionInfoOffset = 0x40000
	partitionGroupCount = 4
	partitionsLimit     = 0x100 // sanity bound, real discs have a handful

	ticketSize           = 0x2a4
	ticketTitleKeyOffset = 0x1bf
	ticketTitleIDOffset  = 0x1dc
	ticketKeyIndexOffset = 0x1f1
	partitionHeaderSize  = ticketSize + 0x1c
	h3TableSize          = 0x18000
	partitionShift       = 2 // wii stores most offsets >>2
)

// Partition is a single entry of the disc partition table. Local metadata
// (ticket, data extents) and the decrypted title key are derived lazily on
// first access and cached; a derivation failure is cached too and scoped to
// this partition only.
type Partition struct {
	disc   *Disc
	typ    PartitionType
	offset int64
	index  int

	plain bool // raw discs: identity transform, no local header

	once    sync.Once
	meta    partitionMeta
	metaErr error

	fstOnce sync.Once
	fst     *FST
	fstErr  error
}

type partitionMeta struct {
	titleID  [8]byte
	keyIndex CommonKeyIndex
	titleKey [keySize]byte

	dataOff  int64 // absolute
	dataSize int64 // on-disc bytes
	h3Off    int64 // absolute
	tmdOff   int64
	tmdSize  int64
	certOff  int64
	certSize int64
}

// Type reports the partition's declared type.
func (p *Partition) Type() PartitionType { return p.typ }

// Offset reports the partition's absolute offset in the image.
func (p *Partition) Offset() int64 { return p.offset }

// Index reports the partition's position in on-disc table order.
func (p *Partition) Index() int { return p.index }

// Size reports the partition's logical (decrypted) data size in bytes.
func (p *Partition) Size() (int64, error) {
	if err := p.ensure(); err != nil {
		return 0, err
	}
	if p.plain {
		return p.meta.dataSize, nil
	}

	return p.meta.dataSize / ClusterSize * ClusterPayloadSize, nil
}

// TitleKey returns the partition's decrypted title key.
func (p *Partition) TitleKey() ([keySize]byte, error) {
	if err := p.ensure(); err != nil {
		return [keySize]byte{}, err
	}
	if p.plain {
		return [keySize]byte{}, fmt.Errorf("partition is not encrypted: %w", ErrUnsupportedEncryption)
	}

	return p.meta.titleKey, nil
}

func (p *Partition) ensure() error {
	p.once.Do(func() { p.metaErr = p.load() })
	return p.metaErr
}

func (p *Partition) load() error {
	if p.plain {
		return nil
	}

	var hdr [partitionHeaderSize]byte
	if err := readFull(p.disc.src, p.offset, hdr[:]); err != nil {
		return fmt.Errorf("partition %d header read failed: %w", p.index, err)
	}

	copy(p.meta.titleID[:], hdr[ticketTitleIDOffset:ticketTitleIDOffset+8])
	p.meta.keyIndex = CommonKeyIndex(hdr[ticketKeyIndexOffset])

	p.meta.tmdSize = int64(binary.BigEndian.Uint32(hdr[ticketSize:]))
	p.meta.tmdOff = p.offset + int64(binary.BigEndian.Uint32(hdr[ticketSize+0x4:]))<<partitionShift
	p.meta.certSize = int64(binary.BigEndian.Uint32(hdr[ticketSize+0x8:]))
	p.meta.certOff = p.offset + int64(binary.BigEndian.Uint32(hdr[ticketSize+0xc:]))<<partitionShift
	p.meta.h3Off = p.offset + int64(binary.BigEndian.Uint32(hdr[ticketSize+0x10:]))<<partitionShift
	p.meta.dataOff = p.offset + int64(binary.BigEndian.Uint32(hdr[ticketSize+0x14:]))<<partitionShift
	p.meta.dataSize = int64(binary.BigEndian.Uint32(hdr[ticketSize+0x18:])) << partitionShift

	if p.meta.dataSize < 0 || p.meta.dataSize%ClusterSize != 0 {
		return fmt.Errorf("partition %d: implausible data size %#x: %w", p.index, p.meta.dataSize, ErrCorrupt)
	}
	if p.meta.dataSize/ClusterSize > h3Entries*clustersPerSupergroup {
		return fmt.Errorf("partition %d: data size %#x exceeds hash tree capacity: %w", p.index, p.meta.dataSize, ErrCorrupt)
	}

	return p.deriveTitleKey(hdr[ticketTitleKeyOffset : ticketTitleKeyOffset+keySize])
}

// deriveTitleKey decrypts the ticket's title key with the selected common
// key, IV is the title ID padded with zeroes.
func (p *Partition) deriveTitleKey(encrypted []byte) error {
	common, err := p.disc.keys.Key(p.meta.keyIndex)
	if err != nil {
		return fmt.Errorf("partition %d: %w", p.index, err)
	}

	cip, err := aes.NewCipher(common[:])
	if err != nil {
		return err
	}

	var iv [aes.BlockSize]byte
	copy(iv[:], p.meta.titleID[:])

	cipher.NewCBCDecrypter(cip, iv[:]).CryptBlocks(p.meta.titleKey[:], encrypted)
	return nil
}

// readPartitionTable parses the partition info area of an encrypted disc.
func readPartitionTable(d *Disc) ([]*Partition, error) {
	var info [partitionGroupCount * 8]byte
	if err := readFull(d.src, partitionInfoOffset, info[:]); err != nil {
		return nil, fmt.Errorf("partition info read failed: %w", err)
	}

	var parts []*Partition
	for g := 0; g < partitionGroupCount; g++ {
		count := binary.BigEndian.Uint32(info[g*8:])
		if count == 0 {
			continue
		}
		if count > partitionsLimit {
			return nil, fmt.Errorf("partition group %d: implausible count %d: %w", g, count, ErrCorrupt)
		}

		tableOff := int64(binary.BigEndian.Uint32(info[g*8+4:])) << partitionShift
		entries := make([]byte, count*8)
		if err := readFull(d.src, tableOff, entries); err != nil {
			return nil, fmt.Errorf("partition group %d table read failed: %w", g, err)
		}

		for i := uint32(0); i < count; i++ {
			parts = append(parts, &Partition{
				disc:   d,
				typ:    PartitionType(binary.BigEndian.Uint32(entries[i*8+4:])),
				offset: int64(binary.BigEndian.Uint32(entries[i*8:])) << partitionShift,
				index:  len(parts),
			})
		}
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("empty partition table: %w", ErrCorrupt)
	}

	return parts, nil
}

// rawPartition synthesizes the single implicit data region of an
// unencrypted disc, covering the whole image as an identity transform.
func rawPartition(d *Disc) *Partition {
	p := &Partition{
		disc:  d,
		typ:   PartitionData,
		plain: true,
	}
	p.meta.dataSize = d.src.Size()

	return p
}
