package disc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format is the container format of an opened image, detected once at open time.
type Format int

const (
	// FormatRawUnencrypted is a plain single-file image with no partition
	// encryption, the whole data area is exposed directly.
	FormatRawUnencrypted Format = iota
	// FormatEncryptedWii is a single-file image with an encrypted,
	// hash-verified partition scheme.
	FormatEncryptedWii
	// FormatVirtualizedContainer is a multi-file block-encrypted set
	// embedding an encrypted disc image.
	FormatVirtualizedContainer
)

func (f Format) String() string {
	switch f {
	case FormatRawUnencrypted:
		return "raw"
	case FormatEncryptedWii:
		return "wii"
	case FormatVirtualizedContainer:
		return "virtualized"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

const (
	wiiMagic = 0x5D1C9EA3 // at 0x18
	gcnMagic = 0xC2339F3D // at 0x1c

	bootHeaderSize = 0x440
)

// bootHeader is the fixed-layout boot block at offset 0 of every disc and of
// every decrypted partition, read with binary.Read in big-endian order.
type bootHeader struct {
	GameID             [6]byte
	DiscNumber         uint8
	DiscVersion        uint8
	AudioStreaming     uint8
	AudioStreamBufSize uint8
	_                  [14]byte
	WiiMagic           uint32
	GCNMagic           uint32
	GameTitle          [64]byte
	DisableHashes      uint8
	DisableEncryption  uint8
	_                  [0x39e]byte
	DebugMonitorOffset uint32
	DebugLoadAddress   uint32
	_                  [0x18]byte
	DolOffset          uint32 // wii: >>2
	FSTOffset          uint32 // wii: >>2
	FSTSize            uint32 // wii: >>2
	FSTMaxSize         uint32 // wii: >>2
	FSTMemoryAddress   uint32
	UserPosition       uint32
	UserSize           uint32
	_                  [4]byte
}

// Header is the decoded boot header of an opened disc.
type Header struct {
	// GameID identifies the title, e.g. "RSPE01".
	GameID string
	// GameTitle is the embedded human-readable title.
	GameTitle string

	DiscNumber  uint8
	DiscVersion uint8

	// DisableHashes and DisableEncryption mirror the boot header flag bytes
	// honored by development discs.
	DisableHashes     bool
	DisableEncryption bool
}

func decodeHeader(raw *bootHeader) Header {
	return Header{
		GameID:            cstring(raw.GameID[:]),
		GameTitle:         cstring(raw.GameTitle[:]),
		DiscNumber:        raw.DiscNumber,
		DiscVersion:       raw.DiscVersion,
		DisableHashes:     raw.DisableHashes != 0,
		DisableEncryption: raw.DisableEncryption != 0,
	}
}

// readBootHeader parses the boot block at the given offset of the logical
// stream. Pure decode over a single bounded read.
func readBootHeader(src Source, off int64) (*bootHeader, error) {
	var buf [bootHeaderSize]byte
	if err := readFull(src, off, buf[:]); err != nil {
		return nil, fmt.Errorf("boot header read failed: %w", err)
	}

	var hdr bootHeader
	if err := binary.Read(bytes.NewReader(buf[:]), binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("boot header decode failed: %w", err)
	}

	return &hdr, nil
}

// detectFormat distinguishes disc families by magic values. The wii magic
// wins when both are present (some images carry both for compatibility).
func detectFormat(hdr *bootHeader) (encrypted bool, err error) {
	switch {
	case hdr.WiiMagic == wiiMagic:
		return true, nil
	case hdr.GCNMagic == gcnMagic:
		return false, nil
	default:
		return false, fmt.Errorf("magic %#08x/%#08x: %w", hdr.WiiMagic, hdr.GCNMagic, ErrUnknownFormat)
	}
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}
