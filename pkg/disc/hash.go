package disc

import (
	"bytes"
	"crypto/sha1"
	"fmt"
)

// Nested hash tree layout inside the decrypted 0x400-byte cluster header:
//
//	0x000  H0: one SHA-1 per 0x400-byte payload sub-block, 31 entries
//	0x280  H1: one SHA-1 per cluster of the group of 8, replicated group-wide
//	0x340  H2: one SHA-1 per group of the supergroup of 8, replicated
//
// H3, one SHA-1 per supergroup's H2 table, lives in a disc-wide table
// outside partition data and acts as the root of trust.
const (
	hashSize = sha1.Size

	h0Offset  = 0x000
	h0Entries = 31
	h0End     = h0Offset + h0Entries*hashSize

	h1Offset  = 0x280
	h1Entries = 8
	h1End     = h1Offset + h1Entries*hashSize

	h2Offset  = 0x340
	h2Entries = 8
	h2End     = h2Offset + h2Entries*hashSize

	clustersPerGroup      = 8  // clusters sharing one H1 table
	clustersPerSupergroup = 64 // clusters sharing one H2 table

	// h3Entries bounds the clusters a partition may address: one root hash
	// per supergroup, fixed table size.
	h3Entries = h3TableSize / hashSize
)

// hashVerifier checks decrypted clusters against the stored hash tree. It
// never aborts a read by itself, it only reports mismatches per level.
type hashVerifier struct {
	h3 []byte // disc-wide root table, h3TableSize bytes
}

// verifyCluster recomputes all four levels for one decrypted cluster and
// returns every mismatch found. hdr is the decrypted 0x400-byte cluster
// header, payload the decrypted 0x7c00-byte data area.
func (v *hashVerifier) verifyCluster(hdr, payload []byte, cluster int64) []HashError {
	var errs []HashError

	for i := 0; i < h0Entries; i++ {
		sum := sha1.Sum(payload[i*subBlockSize : (i+1)*subBlockSize])
		if !bytes.Equal(sum[:], hdr[h0Offset+i*hashSize:h0Offset+(i+1)*hashSize]) {
			errs = append(errs, HashError{Level: HashH0, Cluster: cluster, SubBlock: i})
		}
	}

	h1Slot := int(cluster % clustersPerGroup)
	sum := sha1.Sum(hdr[h0Offset:h0End])
	if !bytes.Equal(sum[:], hdr[h1Offset+h1Slot*hashSize:h1Offset+(h1Slot+1)*hashSize]) {
		errs = append(errs, HashError{Level: HashH1, Cluster: cluster, SubBlock: -1})
	}

	h2Slot := int(cluster / clustersPerGroup % h2Entries)
	sum = sha1.Sum(hdr[h1Offset:h1End])
	if !bytes.Equal(sum[:], hdr[h2Offset+h2Slot*hashSize:h2Offset+(h2Slot+1)*hashSize]) {
		errs = append(errs, HashError{Level: HashH2, Cluster: cluster, SubBlock: -1})
	}

	h3Slot := int(cluster / clustersPerSupergroup)
	sum = sha1.Sum(hdr[h2Offset:h2End])
	if !bytes.Equal(sum[:], v.h3[h3Slot*hashSize:(h3Slot+1)*hashSize]) {
		errs = append(errs, HashError{Level: HashH3, Cluster: cluster, SubBlock: -1})
	}

	return errs
}

// loadH3 reads and pins the partition's root hash table.
func loadH3(p *Partition) ([]byte, error) {
	h3 := make([]byte, h3TableSize)
	if err := readFull(p.disc.src, p.meta.h3Off, h3); err != nil {
		return nil, fmt.Errorf("partition %d: H3 table read failed: %w", p.index, err)
	}

	return h3, nil
}
