package dm

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/errs"
)

// Dmsetup is the production DM implementation. It shells out to dmsetup,
// which keeps the engine free of the raw dm ioctl ABI while still issuing
// exactly one kernel operation per call.
type Dmsetup struct {
	logger *slog.Logger
}

var _ DM = (*Dmsetup)(nil)

func NewDmsetup(logger *slog.Logger) *Dmsetup {
	return &Dmsetup{logger: logger.With("component", "dm")}
}

func (d *Dmsetup) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "dmsetup", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		d.logger.Error("dmsetup failed", "args", args, "output", strings.TrimSpace(string(out)), "error", err)
		return "", errs.Wrap(errs.ErrDeviceStack, "dmsetup %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (d *Dmsetup) Create(ctx context.Context, name string, table Table) error {
	d.logger.Debug("creating dm device", "name", name, "targets", len(table))
	_, err := d.run(ctx, "create", name, "--table", table.String())
	return err
}

func (d *Dmsetup) Reload(ctx context.Context, name string, table Table) error {
	d.logger.Debug("reloading dm table", "name", name, "targets", len(table))
	if _, err := d.run(ctx, "suspend", name); err != nil {
		return err
	}
	if _, err := d.run(ctx, "reload", name, "--table", table.String()); err != nil {
		// Leave the device suspended rather than resuming a table we could
		// not load; recovery re-applies the desired table on next startup.
		return err
	}
	_, err := d.run(ctx, "resume", name)
	return err
}

func (d *Dmsetup) Remove(ctx context.Context, name string) error {
	d.logger.Debug("removing dm device", "name", name)
	_, err := d.run(ctx, "remove", name)
	return err
}

func (d *Dmsetup) Exists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "dmsetup", "info", "--noheadings", "-c", "-o", "name", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "not found") || strings.Contains(string(out), "No such device") {
			return false, nil
		}
		return false, errs.Wrap(errs.ErrDeviceStack, "dmsetup info %s: %s", name, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) == name, nil
}

func (d *Dmsetup) TableOf(ctx context.Context, name string) (Table, error) {
	out, err := d.run(ctx, "table", name)
	if err != nil {
		return nil, err
	}
	return parseTable(out)
}

func (d *Dmsetup) List(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "ls")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		// "No devices found" when nothing is active.
		if len(fields) == 0 || fields[0] == "No" {
			continue
		}
		names = append(names, fields[0])
	}
	return names, nil
}

func (d *Dmsetup) Message(ctx context.Context, name string, sector blockdev.Sectors, msg string) error {
	d.logger.Debug("dm message", "name", name, "message", msg)
	args := append([]string{"message", name, strconv.FormatUint(uint64(sector), 10)}, strings.Fields(msg)...)
	_, err := d.run(ctx, args...)
	return err
}

func (d *Dmsetup) Path(name string) string {
	return "/dev/mapper/" + name
}

// parseTable decodes `dmsetup table` output back into a Table.
func parseTable(out string) (Table, error) {
	var table Table
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed table line %q", line)
		}
		start, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed table start %q: %w", fields[0], err)
		}
		length, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed table length %q: %w", fields[1], err)
		}
		params := ""
		if len(fields) == 4 {
			params = fields[3]
		}
		table = append(table, TargetLine{
			Start:  blockdev.Sectors(start),
			Length: blockdev.Sectors(length),
			Type:   TargetType(fields[2]),
			Params: params,
		})
	}
	return table, nil
}
