package main

import (
	"fmt"
	"io"
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/xakep666/wiidisc-go/internal/copier"
)

type dumpCmd struct {
	Image      string   `arg:"" help:"Path to disc image." type:"path"`
	Output     *os.File `arg:"" help:"Path to output flat image ('-' for stdout)." type:"outputfile"`
	Partition  string   `help:"Partition to dump: type name or table index." default:"data"`
	BufferSize int64    `help:"Size of copy buffer." type:"binsize" default:"1m"`
	NoProgress bool     `help:"Disable progress bar."`
}

func (c *dumpCmd) Run(g *globals) error {
	d, err := g.openDisc(c.Image)
	if err != nil {
		return err
	}
	defer d.Close()

	part, err := findPartition(d, c.Partition)
	if err != nil {
		return err
	}

	r, err := part.OpenReader(g.verifyMode())
	if err != nil {
		return fmt.Errorf("open partition reader failed: %w", err)
	}
	r.OnHashMismatch = logHashMismatch

	var src io.Reader = r
	progress := mpb.New(mpb.WithWidth(60))
	if !c.NoProgress {
		bar := progress.New(r.Size(),
			mpb.BarStyle(),
			mpb.PrependDecorators(decor.CountersKibiByte("% .1f / % .1f")),
			mpb.AppendDecorators(decor.Percentage(), decor.Name(" "), decor.AverageSpeed(decor.SizeB1024(0), "% .1f")),
		)
		proxy := bar.ProxyReader(src)
		defer proxy.Close()
		src = proxy
	}

	cop := copier.NewPooledCopier(c.BufferSize)
	if _, err = cop.Copy(c.Output, src); err != nil {
		return fmt.Errorf("dump failed: %w", err)
	}
	progress.Wait()

	return c.Output.Close()
}
