// Package emulator runs boot images under qemu-system-riscv64.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tinyrange/rvboot/internal/config"
)

// ErrUnavailable is returned when the emulator binary cannot be found.
var ErrUnavailable = errors.New("emulator unavailable")

// QEMU describes one qemu-system invocation for the virt machine.
type QEMU struct {
	Binary    string
	Machine   string
	Memory    string
	Firmware  string
	ExtraArgs []string
	Timeout   time.Duration
	// DTB replaces the machine's generated device tree when set.
	DTB string

	Logger *slog.Logger
}

// Stdio connects the guest console.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// FromConfig returns the emulator described by cfg. A relative firmware
// path is resolved against the config directory.
func FromConfig(cfg *config.Config, logger *slog.Logger) *QEMU {
	return &QEMU{
		Binary:    cfg.Emulator.Binary,
		Machine:   cfg.Emulator.Machine,
		Memory:    cfg.Emulator.Memory,
		Firmware:  cfg.Path(cfg.Firmware),
		ExtraArgs: append([]string(nil), cfg.Emulator.ExtraArgs...),
		Timeout:   cfg.Emulator.Timeout.Duration(),
		Logger:    logger,
	}
}

func (q *QEMU) binary() string {
	if q.Binary == "" {
		return "qemu-system-riscv64"
	}
	return q.Binary
}

func (q *QEMU) baseArgs(machine string) []string {
	fw := q.Firmware
	if fw == "" {
		fw = "default"
	}
	args := []string{"-machine", machine, "-bios", fw, "-nographic"}
	if q.Memory != "" {
		args = append(args, "-m", q.Memory)
	}
	return args
}

func (q *QEMU) machine() string {
	if q.Machine == "" {
		return "virt"
	}
	return q.Machine
}

// Args returns the argument vector used to boot image.
func (q *QEMU) Args(image string) []string {
	args := q.baseArgs(q.machine())
	args = append(args, "-kernel", image)
	if q.DTB != "" {
		args = append(args, "-dtb", q.DTB)
	}
	return append(args, q.ExtraArgs...)
}

// Command builds the command that boots image. The caller wires stdio.
func (q *QEMU) Command(ctx context.Context, image string) *exec.Cmd {
	return exec.CommandContext(ctx, q.binary(), q.Args(image)...)
}

// Run boots image and blocks until the emulator exits or ctx is done.
func (q *QEMU) Run(ctx context.Context, image string, stdio Stdio) error {
	if _, err := os.Stat(image); err != nil {
		return fmt.Errorf("boot image: %w", err)
	}
	if _, err := exec.LookPath(q.binary()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, q.binary(), err)
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	cmd := q.Command(ctx, image)
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	q.logger().Info("starting emulator", "binary", q.binary(), "args", cmd.Args[1:])

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		q.logger().Info("emulator timeout reached", "timeout", q.Timeout)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", q.binary(), err)
	}
	return nil
}

// DumpDTBArgs returns the argument vector that writes the machine's device
// tree to path instead of booting.
func (q *QEMU) DumpDTBArgs(path string) []string {
	return q.baseArgs(q.machine() + ",dumpdtb=" + path)
}

// DumpDTB asks the emulator for the device tree it would hand to firmware.
func (q *QEMU) DumpDTB(ctx context.Context) ([]byte, error) {
	if _, err := exec.LookPath(q.binary()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, q.binary(), err)
	}
	dir, err := os.MkdirTemp("", "rvboot-dtb-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "virt.dtb")
	out, err := exec.CommandContext(ctx, q.binary(), q.DumpDTBArgs(path)...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("dump device tree: %w: %s", err, out)
	}
	return os.ReadFile(path)
}

func (q *QEMU) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}
