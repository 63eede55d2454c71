package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/xakep666/wiidisc-go/pkg/disc"
)

type extractCmd struct {
	Image      string   `arg:"" help:"Path to disc image." type:"path"`
	Paths      []string `arg:"" optional:"" help:"Paths inside the partition to extract. Extracts everything when omitted."`
	Output     string   `short:"o" help:"Output directory." default:"." type:"path"`
	Partition  string   `help:"Partition to extract from: type name or table index." default:"data"`
	Parallel   int      `help:"Concurrent file extractions." default:"4"`
	NoProgress bool     `help:"Disable progress bar."`
}

func (c *extractCmd) Run(g *globals) error {
	d, err := g.openDisc(c.Image)
	if err != nil {
		return err
	}
	defer d.Close()

	part, err := findPartition(d, c.Partition)
	if err != nil {
		return err
	}

	fst, err := part.FileSystem()
	if err != nil {
		return fmt.Errorf("file system read failed: %w", err)
	}

	files, err := c.collectFiles(fst)
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += f.entry.Size
	}
	slog.Info("Extracting", "files", len(files), "bytes", total)

	progress := mpb.New(mpb.WithWidth(60))
	var bar *mpb.Bar
	if !c.NoProgress {
		bar = progress.New(total,
			mpb.BarStyle(),
			mpb.PrependDecorators(decor.CountersKibiByte("% .1f / % .1f")),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	eg := errgroup.Group{}
	eg.SetLimit(max(c.Parallel, 1))
	for _, f := range files {
		eg.Go(func() error { return c.extractOne(g, part, f, bar) })
	}

	err = eg.Wait()
	if bar != nil {
		bar.Abort(err != nil)
		progress.Wait()
	}

	return err
}

type extractItem struct {
	path  string // partition-relative, slash-separated
	entry disc.Entry
}

// collectFiles expands the requested paths (or the whole tree) to flat file
// extents. Directories pull in their entire subtree.
func (c *extractCmd) collectFiles(fst *disc.FST) ([]extractItem, error) {
	if len(c.Paths) == 0 {
		var all []extractItem
		err := fst.Walk(func(path string, e disc.Entry) error {
			if !e.IsDir {
				all = append(all, extractItem{path: path, entry: e})
			}
			return nil
		})
		return all, err
	}

	var items []extractItem
	for _, p := range c.Paths {
		e, err := fst.Lookup(p)
		if err != nil {
			return nil, err
		}

		if !e.IsDir {
			items = append(items, extractItem{path: fst.Path(e), entry: e})
			continue
		}

		for i := e.Index + 1; i < e.EndIndex; i++ {
			// subtree of a directory is a contiguous index range
			sub := fst.Entry(i)
			if !sub.IsDir {
				items = append(items, extractItem{path: fst.Path(sub), entry: sub})
			}
		}
	}

	return items, nil
}

// extractOne copies a single file extent. Every call opens its own
// partition reader so extractions can run concurrently.
func (c *extractCmd) extractOne(g *globals, part *disc.Partition, item extractItem, bar *mpb.Bar) error {
	r, err := part.OpenReader(g.verifyMode())
	if err != nil {
		return err
	}
	r.OnHashMismatch = logHashMismatch

	target := filepath.Join(c.Output, filepath.FromSlash(item.path))
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}

	var src io.Reader = io.NewSectionReader(r, item.entry.Offset, item.entry.Size)
	if bar != nil {
		proxy := bar.ProxyReader(src)
		defer proxy.Close()
		src = proxy
	}

	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("extract %s failed: %w", item.path, err)
	}

	slog.Debug("Extracted", "path", item.path, "size", item.entry.Size)
	return out.Close()
}
