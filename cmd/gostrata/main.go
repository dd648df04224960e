package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/elee1766/gostrata/pkg/api"
	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/config"
	"github.com/elee1766/gostrata/pkg/db"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/engine"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/pool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// CLI is the root command structure
type CLI struct {
	// Global flags
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	// Subcommands
	Daemon  DaemonCmd  `cmd:"" help:"Run the storage daemon"`
	Pool    PoolCmd    `cmd:"" help:"Pool operations"`
	Fs      FsCmd      `cmd:"" help:"Filesystem operations"`
	Dump    DumpCmd    `cmd:"" help:"Dump a pool's on-device metadata"`
	History HistoryCmd `cmd:"" help:"Show the operation journal"`
}

// DaemonCmd runs the storage daemon with the diagnostic API
type DaemonCmd struct {
	Address string `short:"a" help:"API server address (overrides config)"`
}

func (c *DaemonCmd) Run(cli *CLI) error {
	app := fx.New(
		fx.Provide(
			func() (*config.Config, error) {
				cfg, err := config.New()
				if err != nil {
					return nil, err
				}
				if c.Address != "" {
					cfg.APIAddress = c.Address
				}
				cfg.LogLevel = cli.LogLevel
				return cfg, nil
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		db.Module,
		engine.Module,
		api.Module,
	)

	app.Run()
	return nil
}

// withEngine builds a one-shot engine for direct administrative commands:
// recover existing pools, run fn, release handles.
func withEngine(cli *CLI, fn func(ctx context.Context, e *engine.Engine) error) error {
	logger := makeLogger(cli.LogLevel)
	cfg, err := config.New()
	if err != nil {
		return err
	}

	journal, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	e := engine.New(logger, metadata.NewStore(logger),
		dm.NewDmsetup(logger), dm.NewCryptsetup(logger), cfg, journal)
	defer e.Stop()

	ctx := context.Background()
	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("recover pools: %w", err)
	}
	return fn(ctx, e)
}

// parseSize converts a human size ("5GiB", "512MB") to sectors.
func parseSize(s string) (blockdev.Sectors, error) {
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	if b%blockdev.SectorSize != 0 {
		return 0, fmt.Errorf("size %q is not a multiple of %d bytes", s, blockdev.SectorSize)
	}
	return blockdev.Sectors(b / blockdev.SectorSize), nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

// PoolCmd contains pool subcommands
type PoolCmd struct {
	Create    PoolCreateCmd    `cmd:"" help:"Create a pool over block devices"`
	List      PoolListCmd      `cmd:"" help:"List pools"`
	Destroy   PoolDestroyCmd   `cmd:"" help:"Destroy a pool and wipe its devices"`
	Rename    PoolRenameCmd    `cmd:"" help:"Rename a pool"`
	AddDevice PoolAddDeviceCmd `cmd:"" name:"add-device" help:"Add devices to a pool"`
}

type PoolCreateCmd struct {
	Name    string   `arg:"" help:"Pool name"`
	Devices []string `arg:"" help:"Block device paths"`
	Encrypt bool     `help:"Encrypt member devices (requires a keyfile)"`
	Keyfile string   `help:"Keyfile path for encryption"`
}

func (c *PoolCreateCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.CreatePool(ctx, pool.Options{
			Name:      c.Name,
			Paths:     c.Devices,
			Encrypted: c.Encrypt,
			Keyfile:   c.Keyfile,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created pool %s (%s)\n", p.Name(), p.ID())
		return nil
	})
}

type PoolListCmd struct{}

func (c *PoolListCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		t := newTable()
		t.AppendHeader(table.Row{"Name", "UUID", "State", "Devs", "Capacity", "Free", "Committed"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 4, Align: text.AlignRight},
			{Number: 5, Align: text.AlignRight},
			{Number: 6, Align: text.AlignRight},
			{Number: 7, Align: text.AlignRight},
		})

		for _, p := range e.Pools() {
			info := p.Info()
			t.AppendRow(table.Row{
				info.Name,
				info.ID,
				info.State,
				info.Devices,
				humanize.IBytes(info.CapLength.Bytes()),
				humanize.IBytes(info.Available.Bytes()),
				humanize.IBytes(info.Utilization.Committed.Bytes()),
			})
		}
		t.Render()
		return nil
	})
}

type PoolDestroyCmd struct {
	Name string `arg:"" help:"Pool name"`
}

func (c *PoolDestroyCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Name)
		if err != nil {
			return err
		}
		if err := e.DestroyPool(ctx, p.ID()); err != nil {
			return err
		}
		fmt.Printf("destroyed pool %s\n", c.Name)
		return nil
	})
}

type PoolRenameCmd struct {
	Name    string `arg:"" help:"Current pool name"`
	NewName string `arg:"" help:"New pool name"`
}

func (c *PoolRenameCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Name)
		if err != nil {
			return err
		}
		return e.RenamePool(ctx, p.ID(), c.NewName)
	})
}

type PoolAddDeviceCmd struct {
	Name    string   `arg:"" help:"Pool name"`
	Devices []string `arg:"" help:"Block device paths"`
}

func (c *PoolAddDeviceCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Name)
		if err != nil {
			return err
		}
		return e.AddBlockdevs(ctx, p.ID(), c.Devices)
	})
}

// FsCmd contains filesystem subcommands
type FsCmd struct {
	Create   FsCreateCmd   `cmd:"" help:"Create a thin filesystem"`
	List     FsListCmd     `cmd:"" help:"List filesystems in a pool"`
	Snapshot FsSnapshotCmd `cmd:"" help:"Snapshot a filesystem"`
	Destroy  FsDestroyCmd  `cmd:"" help:"Destroy a filesystem"`
	Rename   FsRenameCmd   `cmd:"" help:"Rename a filesystem"`
}

type FsCreateCmd struct {
	Pool string `arg:"" help:"Pool name"`
	Name string `arg:"" help:"Filesystem name"`
	Size string `arg:"" help:"Logical size (e.g. 5GiB)"`
}

func (c *FsCreateCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		size, err := parseSize(c.Size)
		if err != nil {
			return err
		}
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}
		fsID, err := e.CreateFilesystem(ctx, p.ID(), c.Name, size)
		if err != nil {
			return err
		}
		fmt.Printf("created filesystem %s at /dev/mapper/%s\n", c.Name, dm.ThinVolName(p.ID(), fsID))
		return nil
	})
}

type FsListCmd struct {
	Pool string `arg:"" help:"Pool name"`
}

func (c *FsListCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Name", "UUID", "Size", "Created", "Origin"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight},
		})

		for _, fs := range p.Filesystems() {
			origin := ""
			if fs.Origin != nil {
				origin = fs.Origin.String()
			}
			t.AppendRow(table.Row{
				fs.Name,
				fs.FsID,
				humanize.IBytes(fs.Size.Bytes()),
				fs.Created.Format("2006-01-02 15:04:05"),
				origin,
			})
		}
		t.Render()
		return nil
	})
}

type FsSnapshotCmd struct {
	Pool   string `arg:"" help:"Pool name"`
	Origin string `arg:"" help:"Origin filesystem name"`
	Name   string `arg:"" help:"Snapshot name"`
}

func (c *FsSnapshotCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}
		origin, ok := p.LookupFilesystem(c.Origin)
		if !ok {
			return fmt.Errorf("filesystem %q not found in pool %q", c.Origin, c.Pool)
		}
		snapID, err := e.SnapshotFilesystem(ctx, p.ID(), origin.FsID, c.Name)
		if err != nil {
			return err
		}
		fmt.Printf("created snapshot %s at /dev/mapper/%s\n", c.Name, dm.ThinVolName(p.ID(), snapID))
		return nil
	})
}

type FsDestroyCmd struct {
	Pool string `arg:"" help:"Pool name"`
	Name string `arg:"" help:"Filesystem name"`
}

func (c *FsDestroyCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}
		fs, ok := p.LookupFilesystem(c.Name)
		if !ok {
			return fmt.Errorf("filesystem %q not found in pool %q", c.Name, c.Pool)
		}
		return e.DestroyFilesystem(ctx, p.ID(), fs.FsID)
	})
}

type FsRenameCmd struct {
	Pool    string `arg:"" help:"Pool name"`
	Name    string `arg:"" help:"Current filesystem name"`
	NewName string `arg:"" help:"New filesystem name"`
}

func (c *FsRenameCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}
		fs, ok := p.LookupFilesystem(c.Name)
		if !ok {
			return fmt.Errorf("filesystem %q not found in pool %q", c.Name, c.Pool)
		}
		return e.RenameFilesystem(ctx, p.ID(), fs.FsID, c.NewName)
	})
}

// DumpCmd prints a pool's decoded on-device metadata
type DumpCmd struct {
	Pool string `arg:"" help:"Pool name"`
}

func (c *DumpCmd) Run(cli *CLI) error {
	return withEngine(cli, func(ctx context.Context, e *engine.Engine) error {
		p, err := e.LookupPool(c.Pool)
		if err != nil {
			return err
		}
		block, err := e.DumpMetadata(p.ID())
		if err != nil {
			return err
		}

		t := newTable()
		t.SetTitle(fmt.Sprintf("Pool %s", block.State.Name))
		t.AppendRow(table.Row{"UUID", block.State.PoolID})
		t.AppendRow(table.Row{"Generation", block.Generation})
		t.AppendRow(table.Row{"Written", block.Written.Format(time.RFC3339Nano)})
		t.AppendRow(table.Row{"Encrypted", block.State.Encrypted})
		t.AppendRow(table.Row{"Devices", len(block.State.Devices)})
		t.AppendRow(table.Row{"Filesystems", len(block.State.Filesystems)})
		t.Render()
		fmt.Println()

		dt := newTable()
		dt.SetTitle("Devices")
		dt.AppendHeader(table.Row{"UUID", "Size", "Cap Start", "Segments"})
		dt.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, Align: text.AlignRight},
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
		})
		for _, d := range block.State.Devices {
			dt.AppendRow(table.Row{d.DevID, humanize.IBytes(d.Size.Bytes()), d.CapStart, len(d.Segments)})
		}
		dt.Render()
		fmt.Println()

		ft := newTable()
		ft.SetTitle("Filesystems")
		ft.AppendHeader(table.Row{"UUID", "Name", "Size", "Thin ID", "Origin"})
		ft.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
		})
		for _, fs := range block.State.Filesystems {
			origin := ""
			if fs.Origin != nil {
				origin = fs.Origin.String()
			}
			ft.AppendRow(table.Row{fs.FsID, fs.Name, humanize.IBytes(fs.Size.Bytes()), fs.ThinID, origin})
		}
		ft.Render()
		return nil
	})
}

// HistoryCmd prints the operation journal
type HistoryCmd struct {
	Limit int `short:"n" default:"50" help:"Show last N operations"`
}

func (c *HistoryCmd) Run(cli *CLI) error {
	logger := makeLogger(cli.LogLevel)
	cfg, err := config.New()
	if err != nil {
		return err
	}
	journal, err := db.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer journal.Close()

	ops, err := journal.History("", time.Time{}, c.Limit)
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendHeader(table.Row{"Time", "Pool", "Op", "Target", "Result", "Error"})
	for _, op := range ops {
		t.AppendRow(table.Row{
			op.StartedAt.Format("2006-01-02 15:04:05"),
			op.PoolName.String,
			op.Op,
			op.Target.String,
			op.Result,
			op.Error.String,
		})
	}
	t.Render()
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("gostrata"),
		kong.Description("Thin-provisioning storage pool manager"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
