package disc

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CommonKeyIndex selects one of the fixed common keys a partition's title
// key may be encrypted under.
type CommonKeyIndex uint8

const (
	// CommonKeyRetail is the default key used by retail discs.
	CommonKeyRetail CommonKeyIndex = iota
	// CommonKeyKorean is used by Korean-region discs.
	CommonKeyKorean
	// CommonKeyDebug is used by development discs.
	CommonKeyDebug

	commonKeyCount
)

func (i CommonKeyIndex) String() string {
	switch i {
	case CommonKeyRetail:
		return "retail"
	case CommonKeyKorean:
		return "korean"
	case CommonKeyDebug:
		return "debug"
	default:
		return fmt.Sprintf("CommonKeyIndex(%d)", uint8(i))
	}
}

// CommonKeyTable holds the static common keys by index. Key material is not
// shipped with the library, callers install it once (usually from a key
// file) before opening encrypted discs. The table is immutable after
// installation into a Disc, so it is safe to share across goroutines.
type CommonKeyTable struct {
	keys    [commonKeyCount][keySize]byte
	present [commonKeyCount]bool
}

const keySize = 16

// Set installs a key into the given slot.
func (t *CommonKeyTable) Set(idx CommonKeyIndex, key [keySize]byte) error {
	if idx >= commonKeyCount {
		return fmt.Errorf("common key index %d: %w", idx, ErrUnsupportedEncryption)
	}

	t.keys[idx] = key
	t.present[idx] = true
	return nil
}

// Key returns the key for idx or ErrUnsupportedEncryption when the index is
// unknown or its slot is empty.
func (t *CommonKeyTable) Key(idx CommonKeyIndex) ([keySize]byte, error) {
	if t == nil || idx >= commonKeyCount || !t.present[idx] {
		return [keySize]byte{}, fmt.Errorf("common key %s not available: %w", idx, ErrUnsupportedEncryption)
	}

	return t.keys[idx], nil
}

// ReadCommonKeys reads a key table from its textual form: one hex-encoded
// 16-byte key per line, line order matching the key index. Blank lines and
// lines starting with '#' are skipped without consuming a slot.
func ReadCommonKeys(r io.Reader) (*CommonKeyTable, error) {
	var table CommonKeyTable

	idx := CommonKeyIndex(0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx >= commonKeyCount {
			return nil, fmt.Errorf("too many keys (max %d)", commonKeyCount)
		}

		var key [keySize]byte
		if _, err := io.ReadFull(hex.NewDecoder(strings.NewReader(line)), key[:]); err != nil {
			return nil, fmt.Errorf("key %s decode failed: %w", idx, err)
		}

		table.keys[idx] = key
		table.present[idx] = true
		idx++
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if idx == 0 {
		return nil, fmt.Errorf("key file contains no keys")
	}

	return &table, nil
}
