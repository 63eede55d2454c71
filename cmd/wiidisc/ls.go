package main

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/xakep666/wiidisc-go/pkg/disc"
)

type lsCmd struct {
	Image     string `arg:"" help:"Path to disc image." type:"path"`
	Partition string `help:"Partition to list: type name or table index." default:"data"`
	Long      bool   `short:"l" help:"Show sizes and offsets."`
}

func (c *lsCmd) Run(g *globals) error {
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

	return fst.Walk(func(path string, e disc.Entry) error {
		switch {
		case e.IsDir:
			fmt.Printf("%s/\n", path)
		case c.Long:
			fmt.Printf("%s\t%s\t%#x\n", path, units.BytesSize(float64(e.Size)), e.Offset)
		default:
			fmt.Println(path)
		}

		return nil
	})
}
