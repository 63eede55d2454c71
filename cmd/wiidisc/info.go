package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
)

type infoCmd struct {
	Image string `arg:"" help:"Path to disc image (file, virtualized set directory or its first file)." type:"path"`
}

func (c *infoCmd) Run(g *globals) error {
	d, err := g.openDisc(c.Image)
	if err != nil {
		return err
	}
	defer d.Close()

	hdr := d.Header()
	fmt.Printf("Game ID:   %s\n", hdr.GameID)
	fmt.Printf("Title:     %s\n", hdr.GameTitle)
	fmt.Printf("Format:    %s\n", d.Format())
	fmt.Printf("Disc:      %d (v%d)\n", hdr.DiscNumber, hdr.DiscVersion)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nIDX\tTYPE\tOFFSET\tSIZE")
	for _, p := range d.Partitions() {
		sizeCol := ""
		if size, err := p.Size(); err == nil {
			sizeCol = units.BytesSize(float64(size))
		} else {
			sizeCol = fmt.Sprintf("unavailable (%v)", err)
		}

		fmt.Fprintf(tw, "%d\t%s\t%#x\t%s\n", p.Index(), p.Type(), p.Offset(), sizeCol)
	}

	return tw.Flush()
}
