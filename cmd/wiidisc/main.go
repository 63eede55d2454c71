package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/xakep666/wiidisc-go/internal/kongutil"
	"github.com/xakep666/wiidisc-go/pkg/disc"
	"github.com/xakep666/wiidisc-go/pkg/kongini"
)

const (
	appConfigDir  = "wiidisc"
	appConfigFile = "config.ini"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

type globals struct {
	Keys    string `help:"Path to common key table file (one hex-encoded key per line, slot order)." type:"path" env:"WIIDISC_KEYS"`
	Verify  string `help:"Hash verification mode." enum:"none,lenient,strict" default:"lenient" env:"WIIDISC_VERIFY"`
	Debug   bool   `help:"Enable debug log messages." env:"WIIDISC_DEBUG"`
	JSONLog bool   `help:"Output log messages in json format." env:"WIIDISC_JSON_LOG"`
}

type app struct {
	globals

	Info    infoCmd    `cmd:"" help:"Show disc header and partition table."`
	Ls      lsCmd      `cmd:"" help:"List a partition's file system."`
	Extract extractCmd `cmd:"" help:"Extract files from a partition."`
	Dump    dumpCmd    `cmd:"" help:"Dump a decrypted partition to a flat image."`

	Version kong.VersionFlag `help:"Show application version info."`
	Config  kong.ConfigFlag  `help:"Load configuration from file." env:"WIIDISC_CONFIG_FILE"`
}

func main() {
	var app app
	k := kong.Must(&app,
		kong.Name("wiidisc"),
		kong.Description("Inspect, verify and extract GameCube/Wii disc images."),
		kong.Configuration(kongini.Loader, configLocations()...),
		kong.Vars{
			"version": fmt.Sprintf("%s (commit '%s' at '%s' build by '%s')", version, commit, date, builtBy),
		},
		kong.UsageOnError(),
		kongutil.OutputFileMapper,
		kongutil.BinSizeMapper,
	)
	ctx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run(&app.globals))
}

func configLocations() []string {
	var ret []string
	userConfigDir, err := os.UserConfigDir()
	if err == nil {
		ret = append(ret, filepath.Join(userConfigDir, appConfigDir, appConfigFile))
	}

	ret = append(ret, appConfigFile) // search in current workdir
	return ret
}

func (g *globals) setupLogger() {
	level := slog.LevelInfo
	if g.Debug {
		level = slog.LevelDebug
	}

	var slogHandler slog.Handler
	if g.JSONLog {
		slogHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		slogHandler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:   level,
			NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}

	slog.SetDefault(slog.New(slogHandler))
}

func (g *globals) verifyMode() disc.VerifyMode {
	switch g.Verify {
	case "strict":
		return disc.VerifyStrict
	case "none":
		return disc.VerifyNone
	default:
		return disc.VerifyLenient
	}
}

func (g *globals) openDisc(path string) (*disc.Disc, error) {
	g.setupLogger()

	var opts []disc.Option
	if g.Keys != "" {
		keyFile, err := os.Open(g.Keys)
		if err != nil {
			return nil, fmt.Errorf("key file open failed: %w", err)
		}
		defer keyFile.Close()

		keys, err := disc.ReadCommonKeys(keyFile)
		if err != nil {
			return nil, fmt.Errorf("key file read failed: %w", err)
		}

		opts = append(opts, disc.WithCommonKeys(keys))
	}

	d, err := disc.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("open image failed: %w", err)
	}

	slog.Debug("Opened image", "path", path, "format", d.Format(), "game_id", d.Header().GameID)
	return d, nil
}

// findPartition resolves a --partition selector: a type name ("data",
// "update", "channel") or a numeric table index.
func findPartition(d *disc.Disc, selector string) (*disc.Partition, error) {
	if idx, err := strconv.Atoi(selector); err == nil {
		parts := d.Partitions()
		if idx < 0 || idx >= len(parts) {
			return nil, fmt.Errorf("partition index %d out of range (%d partitions)", idx, len(parts))
		}
		return parts[idx], nil
	}

	for _, p := range d.Partitions() {
		if p.Type().String() == selector {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no partition matches %q", selector)
}

func logHashMismatch(he disc.HashError) {
	slog.Warn("Hash mismatch", "level", he.Level.String(), "cluster", he.Cluster, "sub_block", he.SubBlock)
}
