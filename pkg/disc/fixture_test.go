package disc_test

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/spf13/afero"

	"github.com/xakep666/wiidisc-go/pkg/disc"
)

// Synthetic disc images built from scratch so the tests own both sides of
// every transformation. Layout constants mirror the on-disc format.
const (
	fixClusterSize   = 0x8000
	fixPayloadSize   = 0x7c00
	fixSubBlockSize  = 0x400
	fixHdrSize       = 0x400
	fixPayloadIVOff  = 0x3d0
	fixH0End         = 31 * 20
	fixH1Off         = 0x280
	fixH1End         = fixH1Off + 8*20
	fixH2Off         = 0x340
	fixH2End         = fixH2Off + 8*20

	fixPartOffset = 0x50000
	fixH3Rel      = 0x4000
	fixDataRel    = 0x20000
	fixClusters   = 2

	fixTicketTitleKeyOff = 0x1bf
	fixTicketTitleIDOff  = 0x1dc
	fixTicketKeyIndexOff = 0x1f1
	fixTicketSize        = 0x2a4

	fixFSTOff   = 0x500
	fixFileOff  = 0x600
	fixFileName = "A.txt"
	fixDirName  = "sub"
)

var (
	fixCommonKey = [16]byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}
	fixTitleKey = [16]byte{
		0x5a, 0x01, 0xc3, 0x7e, 0x12, 0x90, 0xfe, 0x4b,
		0x33, 0x27, 0xd8, 0x6c, 0xaa, 0x05, 0x91, 0xe4,
	}
	fixTitleID = [8]byte{'T', 'E', 'S', 'T', 'I', 'D', 0, 0}

	fixFileContent = []byte("HELLOWORLD") // 10 bytes
)

func fixKeys() *disc.CommonKeyTable {
	var t disc.CommonKeyTable
	if err := t.Set(disc.CommonKeyRetail, fixCommonKey); err != nil {
		panic(err)
	}

	return &t
}

func cbcEncrypt(key, iv [16]byte, data []byte) []byte {
	cip, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(cip, iv[:]).CryptBlocks(out, data)
	return out
}

// buildFST produces the canonical 3-entry test table: root, one file, one
// empty directory. File offsets are stored shifted on encrypted discs.
func buildFST(shift uint) []byte {
	names := append(append([]byte(fixFileName), 0), append([]byte(fixDirName), 0)...)

	fst := make([]byte, 3*12+len(names))
	// root: directory, spans [0, 3)
	fst[0] = 1
	binary.BigEndian.PutUint32(fst[8:], 3)
	// file entry
	binary.BigEndian.PutUint32(fst[12+4:], uint32(fixFileOff>>shift))
	binary.BigEndian.PutUint32(fst[12+8:], uint32(len(fixFileContent)))
	// empty directory, spans [2, 3)
	fst[24] = 1
	fst[25], fst[26], fst[27] = 0, 0, byte(len(fixFileName)+1)
	binary.BigEndian.PutUint32(fst[24+8:], 3)

	copy(fst[3*12:], names)

	// size is stored shifted on encrypted discs, keep it aligned
	for len(fst)%4 != 0 {
		fst = append(fst, 0)
	}

	return fst
}

// buildPartitionPlaintext lays out the decrypted partition data area: boot
// block, FST and file content over a deterministic filler pattern.
func buildPartitionPlaintext(shift uint) []byte {
	buf := make([]byte, fixClusters*fixPayloadSize)
	for i := range buf {
		buf[i] = byte(i*7 + i>>8)
	}

	// boot block: only the FST location fields matter here
	for i := 0; i < 0x440; i++ {
		buf[i] = 0
	}
	fst := buildFST(shift)
	binary.BigEndian.PutUint32(buf[0x424:], uint32(fixFSTOff>>shift))
	binary.BigEndian.PutUint32(buf[0x428:], uint32(len(fst)>>shift))
	copy(buf[fixFSTOff:], fst)
	copy(buf[fixFileOff:], fixFileContent)

	return buf
}

// encryptPartitionData turns plaintext payloads into encrypted clusters
// with a consistent four-level hash tree, returning the data area and the
// matching H3 root table.
func encryptPartitionData(plaintext []byte, titleKey [16]byte) (data, h3 []byte) {
	clusters := len(plaintext) / fixPayloadSize

	// H0 tables of every cluster of the group; absent clusters stay zeroed
	var h0Tables [8][fixH0End]byte
	for c := 0; c < clusters; c++ {
		payload := plaintext[c*fixPayloadSize : (c+1)*fixPayloadSize]
		for i := 0; i < 31; i++ {
			sum := sha1.Sum(payload[i*fixSubBlockSize : (i+1)*fixSubBlockSize])
			copy(h0Tables[c][i*20:], sum[:])
		}
	}

	// H1 table is shared by the whole group
	var h1Region [fixH1End - fixH1Off]byte
	for j := range h0Tables {
		sum := sha1.Sum(h0Tables[j][:])
		copy(h1Region[j*20:], sum[:])
	}

	// H2 table: slot 0 is ours, the rest is arbitrary but must be stable
	// since the H3 entry covers the whole region (this also gives the
	// payload IV, taken from its tail, a non-zero value)
	var h2Region [fixH2End - fixH2Off]byte
	for i := range h2Region {
		h2Region[i] = byte(i*31 + 7)
	}
	sum := sha1.Sum(h1Region[:])
	copy(h2Region[:20], sum[:])

	h3 = make([]byte, 0x18000)
	sum = sha1.Sum(h2Region[:])
	copy(h3, sum[:])

	data = make([]byte, clusters*fixClusterSize)
	for c := 0; c < clusters; c++ {
		var hdr [fixHdrSize]byte
		copy(hdr[:], h0Tables[c][:])
		copy(hdr[fixH1Off:], h1Region[:])
		copy(hdr[fixH2Off:], h2Region[:])

		var iv [16]byte
		copy(iv[:], hdr[fixPayloadIVOff:fixPayloadIVOff+16])

		cluster := data[c*fixClusterSize : (c+1)*fixClusterSize]
		copy(cluster, cbcEncrypt(titleKey, [16]byte{}, hdr[:]))
		copy(cluster[fixHdrSize:], cbcEncrypt(titleKey, iv, plaintext[c*fixPayloadSize:(c+1)*fixPayloadSize]))
	}

	return data, h3
}

// buildWiiImage assembles a complete encrypted disc image with one data
// partition. keyIndex selects the common key slot recorded in the ticket.
func buildWiiImage(keyIndex byte) (image, plaintext []byte) {
	plaintext = buildPartitionPlaintext(2)
	data, h3 := encryptPartitionData(plaintext, fixTitleKey)

	image = make([]byte, fixPartOffset+fixDataRel+len(data))

	// disc header
	copy(image, "RTSE01")
	binary.BigEndian.PutUint32(image[0x18:], 0x5d1c9ea3)
	copy(image[0x20:], "TEST DISC")

	// partition info: one group with a single data partition
	binary.BigEndian.PutUint32(image[0x40000:], 1)
	binary.BigEndian.PutUint32(image[0x40004:], 0x40020>>2)
	binary.BigEndian.PutUint32(image[0x40020:], fixPartOffset>>2)
	binary.BigEndian.PutUint32(image[0x40024:], 0) // data partition

	// ticket
	part := image[fixPartOffset:]
	var iv [16]byte
	copy(iv[:], fixTitleID[:])
	copy(part[fixTicketTitleKeyOff:], cbcEncrypt(fixCommonKey, iv, fixTitleKey[:]))
	copy(part[fixTicketTitleIDOff:], fixTitleID[:])
	part[fixTicketKeyIndexOff] = keyIndex

	// partition header after the ticket
	binary.BigEndian.PutUint32(part[fixTicketSize+0x10:], fixH3Rel>>2)
	binary.BigEndian.PutUint32(part[fixTicketSize+0x14:], fixDataRel>>2)
	binary.BigEndian.PutUint32(part[fixTicketSize+0x18:], uint32(len(data))>>2)

	copy(part[fixH3Rel:], h3)
	copy(part[fixDataRel:], data)

	return image, plaintext
}

// buildRawImage assembles a plain unencrypted image with the same file
// system, data addressed without shifting.
func buildRawImage() []byte {
	image := make([]byte, 0x3000)
	for i := range image {
		image[i] = byte(i * 13)
	}

	for i := 0; i < 0x440; i++ {
		image[i] = 0
	}
	copy(image, "GTSE01")
	binary.BigEndian.PutUint32(image[0x1c:], 0xc2339f3d)
	copy(image[0x20:], "TEST GC DISC")

	fst := buildFST(0)
	binary.BigEndian.PutUint32(image[0x424:], 0x1000)
	binary.BigEndian.PutUint32(image[0x428:], uint32(len(fst)))
	copy(image[0x1000:], fst)
	copy(image[fixFileOff:], fixFileContent)

	return image
}

// writeImage drops an image into an in-memory filesystem.
func writeImage(image []byte, name string) afero.Fs {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, name, image, 0o644); err != nil {
		panic(err)
	}

	return fsys
}

// wrapNFS splits an image into a block-encrypted virtualized set under dir.
// lengths must sum to len(image).
func wrapNFS(fsys afero.Fs, dir string, image []byte, lengths []int64, key, baseIV [16]byte) {
	const blockSize = 0x8000

	hdr := make([]byte, 0x200)
	copy(hdr, "EGGS")
	binary.BigEndian.PutUint32(hdr[4:], 1)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(lengths)))
	for i, l := range lengths {
		binary.BigEndian.PutUint64(hdr[0x10+8*i:], uint64(l))
	}
	copy(hdr[0x1d0:], key[:])
	copy(hdr[0x1e0:], baseIV[:])
	copy(hdr[0x1fc:], "SGGE")

	var offset int64
	var globalBlock uint32
	for i, l := range lengths {
		payload := image[offset : offset+l]
		offset += l

		padded := make([]byte, (int64(len(payload))+blockSize-1)/blockSize*blockSize)
		copy(padded, payload)

		for b := 0; b < len(padded); b += blockSize {
			iv := baseIV
			binary.BigEndian.PutUint32(iv[12:], globalBlock)
			copy(padded[b:b+blockSize], cbcEncrypt(key, iv, padded[b:b+blockSize]))
			globalBlock++
		}

		content := padded
		if i == 0 {
			content = append(append([]byte{}, hdr...), padded...)
		}
		if err := afero.WriteFile(fsys, fmt.Sprintf("%s/hif_%06d.nfs", dir, i), content, 0o644); err != nil {
			panic(err)
		}
	}
}
