package dm

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/elee1766/gostrata/pkg/errs"
)

// Cryptsetup is the production Crypt implementation, driving LUKS2 via the
// cryptsetup binary.
type Cryptsetup struct {
	logger *slog.Logger
}

var _ Crypt = (*Cryptsetup)(nil)

func NewCryptsetup(logger *slog.Logger) *Cryptsetup {
	return &Cryptsetup{logger: logger.With("component", "crypt")}
}

func (c *Cryptsetup) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "cryptsetup", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("cryptsetup failed", "args", args, "output", strings.TrimSpace(string(out)), "error", err)
		return "", errs.Wrap(errs.ErrDeviceStack, "cryptsetup %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (c *Cryptsetup) Format(ctx context.Context, path, keyfile string) error {
	c.logger.Info("formatting LUKS2 header", "path", path)
	_, err := c.run(ctx, "luksFormat", "--type", "luks2", "--batch-mode", "--key-file", keyfile, path)
	return err
}

func (c *Cryptsetup) Open(ctx context.Context, path, name, keyfile string) (string, error) {
	// Already open under this name: recovery may have activated the mapping
	// while reading metadata before the pool was restored.
	if exec.CommandContext(ctx, "cryptsetup", "status", name).Run() == nil {
		return "/dev/mapper/" + name, nil
	}
	c.logger.Info("opening encrypted device", "path", path, "name", name)
	if _, err := c.run(ctx, "open", "--key-file", keyfile, path, name); err != nil {
		return "", err
	}
	return "/dev/mapper/" + name, nil
}

func (c *Cryptsetup) Close(ctx context.Context, name string) error {
	c.logger.Info("closing encrypted device", "name", name)
	_, err := c.run(ctx, "close", name)
	return err
}

func (c *Cryptsetup) IsLUKS(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "cryptsetup", "isLuks", path)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, errs.Wrap(errs.ErrDeviceStack, "cryptsetup isLuks %s", path)
	}
	return true, nil
}

// tokenSlot is the fixed LUKS2 token id holding the identity record.
const tokenSlot = "0"

func (c *Cryptsetup) SetToken(ctx context.Context, path, token string) error {
	c.logger.Debug("importing identity token", "path", path)
	cmd := exec.CommandContext(ctx, "cryptsetup", "token", "import",
		"--token-id", tokenSlot, "--token-replace", path)
	cmd.Stdin = strings.NewReader(token)
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.logger.Error("cryptsetup token import failed", "path", path, "output", strings.TrimSpace(string(out)), "error", err)
		return errs.Wrap(errs.ErrDeviceStack, "cryptsetup token import %s: %s", path, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Cryptsetup) Token(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "cryptsetup", "token", "export", "--token-id", tokenSlot, path)
	out, err := cmd.Output()
	if err != nil {
		// No LUKS header or no token in the slot: not a member, not an error.
		if _, ok := err.(*exec.ExitError); ok {
			return "", nil
		}
		return "", errs.Wrap(errs.ErrDeviceStack, "cryptsetup token export %s", path)
	}
	return strings.TrimSpace(string(out)), nil
}
