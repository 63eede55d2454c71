// Package disc reads console optical-disc images: plain unencrypted discs,
// encrypted hash-verified discs and multi-file virtualized sets. It exposes
// partitions as seekable decrypted byte streams and their embedded file
// system tables as navigable trees. The package is read-only by design.
package disc

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// Disc is an opened disc image. Header and partition table are parsed once
// at open time and never mutated, so a Disc may be shared across goroutines
// as long as every goroutine reads through its own Reader.
type Disc struct {
	src    Source
	format Format
	hdr    Header
	parts  []*Partition

	keys    *CommonKeyTable
	nameDec *encoding.Decoder
}

type options struct {
	fsys    afero.Fs
	keys    *CommonKeyTable
	nameDec *encoding.Decoder
}

// Option configures Open.
type Option func(*options)

// WithCommonKeys installs the common key table used to decrypt partition
// title keys. Without it encrypted partitions fail with
// ErrUnsupportedEncryption while the rest of the disc stays readable.
func WithCommonKeys(t *CommonKeyTable) Option {
	return func(o *options) { o.keys = t }
}

// WithNameDecoder sets the text decoder for non-ASCII file system names.
// The default is Shift-JIS, matching what mastering tools emit.
func WithNameDecoder(dec *encoding.Decoder) Option {
	return func(o *options) { o.nameDec = dec }
}

// WithFs makes Open resolve paths against the given filesystem instead of
// the host one.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) { o.fsys = fsys }
}

// Open opens a disc image. The path may point to a plain image file, to a
// directory holding a virtualized set, or to the set's first constituent
// file.
func Open(path string, opts ...Option) (*Disc, error) {
	o := options{
		fsys:    afero.NewOsFs(),
		nameDec: japanese.ShiftJIS.NewDecoder(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	src, virtualized, err := openSource(o.fsys, path)
	if err != nil {
		return nil, err
	}

	d, err := newDisc(src, virtualized, &o)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	return d, nil
}

func openSource(fsys afero.Fs, path string) (Source, bool, error) {
	stat, err := fsys.Stat(path)
	if err != nil {
		return nil, false, err
	}

	if stat.IsDir() {
		src, err := openNFS(fsys, path)
		return src, true, err
	}

	if strings.EqualFold(filepath.Ext(path), ".nfs") {
		src, err := openNFS(fsys, filepath.Dir(path))
		return src, true, err
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, false, err
	}

	src, err := newFileSource(f)
	if err != nil {
		_ = f.Close()
		return nil, false, err
	}

	return src, false, nil
}

func newDisc(src Source, virtualized bool, o *options) (*Disc, error) {
	raw, err := readBootHeader(src, 0)
	if err != nil {
		return nil, err
	}

	encrypted, err := detectFormat(raw)
	if err != nil {
		return nil, err
	}

	d := &Disc{
		src:     src,
		hdr:     decodeHeader(raw),
		keys:    o.keys,
		nameDec: o.nameDec,
	}

	switch {
	case virtualized:
		d.format = FormatVirtualizedContainer
	case encrypted:
		d.format = FormatEncryptedWii
	default:
		d.format = FormatRawUnencrypted
	}

	if encrypted {
		d.parts, err = readPartitionTable(d)
		if err != nil {
			return nil, err
		}
	} else {
		d.parts = []*Partition{rawPartition(d)}
	}

	return d, nil
}

// Header returns the parsed boot header.
func (d *Disc) Header() Header { return d.hdr }

// Format reports the detected container format.
func (d *Disc) Format() Format { return d.format }

// Partitions returns partition metadata in on-disc table order.
func (d *Disc) Partitions() []*Partition { return d.parts }

// DataPartition returns the first data partition, the conventional home of
// the game file system.
func (d *Disc) DataPartition() (*Partition, error) {
	for _, p := range d.parts {
		if p.typ == PartitionData {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no data partition: %w", ErrNotFound)
}

// Close releases the underlying source.
func (d *Disc) Close() error { return d.src.Close() }
