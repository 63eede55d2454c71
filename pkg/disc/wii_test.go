package disc_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xakep666/wiidisc-go/pkg/disc"
)

func openWiiFixture(t *testing.T, image []byte) *disc.Disc {
	t.Helper()

	fsys := writeImage(image, "game.iso")
	d, err := disc.Open("game.iso", disc.WithFs(fsys), disc.WithCommonKeys(fixKeys()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	return d
}

func TestWiiDisc(t *testing.T) {
	image, plaintext := buildWiiImage(0)
	d := openWiiFixture(t, image)

	assert.Equal(t, disc.FormatEncryptedWii, d.Format())
	assert.Equal(t, "RTSE01", d.Header().GameID)
	assert.Equal(t, "TEST DISC", d.Header().GameTitle)

	require.Len(t, d.Partitions(), 1)
	part, err := d.DataPartition()
	require.NoError(t, err)
	assert.Equal(t, disc.PartitionData, part.Type())
	assert.EqualValues(t, fixPartOffset, part.Offset())

	size, err := part.Size()
	require.NoError(t, err)
	require.EqualValues(t, len(plaintext), size)

	key, err := part.TitleKey()
	require.NoError(t, err)
	assert.Equal(t, fixTitleKey, key)

	t.Run("decrypt whole partition", func(t *testing.T) {
		var out bytes.Buffer
		n, err := part.Dump(&out, disc.VerifyStrict)
		require.NoError(t, err)
		assert.EqualValues(t, len(plaintext), n)
		assert.True(t, bytes.Equal(plaintext, out.Bytes()), "decrypted stream differs from plaintext")
	})

	t.Run("decryption is deterministic", func(t *testing.T) {
		r, err := part.OpenReader(disc.VerifyNone)
		require.NoError(t, err)

		first := make([]byte, 0x1000)
		_, err = r.ReadAt(first, 0x300)
		require.NoError(t, err)

		second := make([]byte, 0x1000)
		_, err = r.ReadAt(second, 0x300)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, plaintext[0x300:0x1300], first)
	})

	t.Run("read across cluster boundary", func(t *testing.T) {
		r, err := part.OpenReader(disc.VerifyStrict)
		require.NoError(t, err)

		buf := make([]byte, 0x100)
		_, err = r.ReadAt(buf, fixPayloadSize-0x80)
		require.NoError(t, err)
		assert.Equal(t, plaintext[fixPayloadSize-0x80:fixPayloadSize+0x80], buf)
	})

	t.Run("file system", func(t *testing.T) {
		fst, err := part.FileSystem()
		require.NoError(t, err)
		require.Equal(t, 3, fst.Len())

		root := fst.Root()
		assert.True(t, root.IsDir)
		assert.Equal(t, 3, root.EndIndex)

		file := fst.Entry(1)
		assert.False(t, file.IsDir)
		assert.Equal(t, fixFileName, file.Name)
		assert.EqualValues(t, fixFileOff, file.Offset)
		assert.EqualValues(t, len(fixFileContent), file.Size)

		sub := fst.Entry(2)
		assert.True(t, sub.IsDir)
		assert.Equal(t, fixDirName, sub.Name)
		assert.Equal(t, 3, sub.EndIndex)
		assert.Empty(t, fst.Children(sub))

		f, err := part.OpenFile(file, disc.VerifyStrict)
		require.NoError(t, err)

		content, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, fixFileContent, content)
	})
}

func TestWiiHashCorruption(t *testing.T) {
	const dataOff = fixPartOffset + fixDataRel

	t.Run("payload byte flips only H0", func(t *testing.T) {
		image, _ := buildWiiImage(0)
		// inside sub-block 5 of cluster 0, away from AES block edges
		image[dataOff+fixHdrSize+5*fixSubBlockSize+0x20] ^= 0x01

		d := openWiiFixture(t, image)
		part, err := d.DataPartition()
		require.NoError(t, err)

		r, err := part.OpenReader(disc.VerifyLenient)
		require.NoError(t, err)

		var mismatches []disc.HashError
		r.OnHashMismatch = func(he disc.HashError) { mismatches = append(mismatches, he) }

		buf := make([]byte, fixPayloadSize)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err, "lenient mode must not abort the read")

		require.NotEmpty(t, mismatches)
		for _, he := range mismatches {
			assert.Equal(t, disc.HashH0, he.Level)
			assert.EqualValues(t, 0, he.Cluster)
			assert.Equal(t, 5, he.SubBlock)
		}
	})

	t.Run("strict mode fails the read", func(t *testing.T) {
		image, _ := buildWiiImage(0)
		image[dataOff+fixHdrSize+0x20] ^= 0x01

		d := openWiiFixture(t, image)
		part, err := d.DataPartition()
		require.NoError(t, err)

		r, err := part.OpenReader(disc.VerifyStrict)
		require.NoError(t, err)

		_, err = io.ReadAll(r)
		require.ErrorIs(t, err, disc.ErrHashMismatch)

		var he *disc.HashError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, disc.HashH0, he.Level)
	})

	t.Run("stored H1 corruption fails H1 not H0", func(t *testing.T) {
		image, _ := buildWiiImage(0)
		// H1 region of the encrypted cluster header
		image[dataOff+0x290] ^= 0x01

		d := openWiiFixture(t, image)
		part, err := d.DataPartition()
		require.NoError(t, err)

		r, err := part.OpenReader(disc.VerifyLenient)
		require.NoError(t, err)

		var levels []disc.HashLevel
		r.OnHashMismatch = func(he disc.HashError) { levels = append(levels, he.Level) }

		buf := make([]byte, fixPayloadSize)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)

		assert.Contains(t, levels, disc.HashH1)
		assert.NotContains(t, levels, disc.HashH0)
	})

	t.Run("second cluster untouched", func(t *testing.T) {
		image, plaintext := buildWiiImage(0)
		image[dataOff+fixHdrSize+0x20] ^= 0x01

		d := openWiiFixture(t, image)
		part, err := d.DataPartition()
		require.NoError(t, err)

		r, err := part.OpenReader(disc.VerifyStrict)
		require.NoError(t, err)

		buf := make([]byte, 0x1000)
		_, err = r.ReadAt(buf, fixPayloadSize)
		require.NoError(t, err, "corruption must stay scoped to its cluster")
		assert.Equal(t, plaintext[fixPayloadSize:fixPayloadSize+0x1000], buf)
	})
}

func TestWiiOversizedDataArea(t *testing.T) {
	image, _ := buildWiiImage(0)

	// one supergroup more than the fixed 0x18000-byte H3 table can root
	const clusters = (0x18000/20 + 1) * 64
	binary.BigEndian.PutUint32(image[fixPartOffset+fixTicketSize+0x18:], clusters*(fixClusterSize>>2))

	d := openWiiFixture(t, image)
	part, err := d.DataPartition()
	require.NoError(t, err)

	_, err = part.Size()
	assert.ErrorIs(t, err, disc.ErrCorrupt)

	_, err = part.OpenReader(disc.VerifyStrict)
	assert.ErrorIs(t, err, disc.ErrCorrupt)
}

func TestWiiUnsupportedEncryption(t *testing.T) {
	t.Run("unknown key index", func(t *testing.T) {
		image, _ := buildWiiImage(7)
		d := openWiiFixture(t, image)

		require.Len(t, d.Partitions(), 1, "partition stays listed")

		part, err := d.DataPartition()
		require.NoError(t, err)

		_, err = part.TitleKey()
		assert.ErrorIs(t, err, disc.ErrUnsupportedEncryption)

		_, err = part.OpenReader(disc.VerifyNone)
		assert.ErrorIs(t, err, disc.ErrUnsupportedEncryption)
	})

	t.Run("no keys installed", func(t *testing.T) {
		image, _ := buildWiiImage(0)
		fsys := writeImage(image, "game.iso")

		d, err := disc.Open("game.iso", disc.WithFs(fsys))
		require.NoError(t, err, "open itself must succeed without keys")
		t.Cleanup(func() { _ = d.Close() })

		assert.Equal(t, "RTSE01", d.Header().GameID)

		part, err := d.DataPartition()
		require.NoError(t, err)

		_, err = part.OpenReader(disc.VerifyNone)
		assert.ErrorIs(t, err, disc.ErrUnsupportedEncryption)
	})
}
