package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/mod/semver"

	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/layout"
)

// ExecFunc runs name with args in dir and returns its combined output.
type ExecFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// GNU drives a riscv64 GNU cross toolchain.
type GNU struct {
	// Prefix is prepended to tool names, e.g. "riscv64-unknown-elf-".
	Prefix     string
	MinVersion string
	Logger     *slog.Logger
	// Exec runs tools. Nil runs them with os/exec.
	Exec ExecFunc
}

func (g *GNU) Name() string { return "gnu" }

func (g *GNU) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *GNU) tool(name string) string { return g.Prefix + name }

func (g *GNU) run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	g.log().Debug("exec", "tool", name, "args", strings.Join(args, " "))
	if g.Exec != nil {
		return g.Exec(ctx, dir, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// toolError folds tool output into err with terminal escapes removed.
func toolError(tool string, err error, out []byte) error {
	text := strings.TrimSpace(ansi.Strip(string(out)))
	if text == "" {
		return fmt.Errorf("%s: %w", tool, err)
	}
	return fmt.Errorf("%s: %w\n%s", tool, err, text)
}

// Version returns the compiler version as a canonical semantic version.
func (g *GNU) Version(ctx context.Context) (string, error) {
	gcc := g.tool("gcc")
	out, err := g.run(ctx, "", gcc, "-dumpversion")
	if err != nil {
		return "", toolError(gcc, err, out)
	}
	raw := strings.TrimSpace(ansi.Strip(string(out)))
	v := semver.Canonical("v" + raw)
	if v == "" {
		return "", fmt.Errorf("%s: unrecognized version %q", gcc, raw)
	}
	return v, nil
}

// Check fails when the compiler is older than MinVersion.
func (g *GNU) Check(ctx context.Context) error {
	if g.MinVersion == "" {
		return nil
	}
	v, err := g.Version(ctx)
	if err != nil {
		return err
	}
	if semver.Compare(v, g.MinVersion) < 0 {
		return fmt.Errorf("%s %s is older than the required %s", g.tool("gcc"), v, g.MinVersion)
	}
	return nil
}

// CompileFlags returns the compiler flags for one stage and profile.
func CompileFlags(req Request) []string {
	flags := []string{
		"-march=rv64gc",
		"-mabi=lp64d",
		"-mcmodel=medany",
		"-ffreestanding",
		"-nostdlib",
		"-fno-builtin",
		"-fno-asynchronous-unwind-tables",
		"-ffunction-sections",
		"-fdata-sections",
		"-Wall",
	}
	if req.Stage.PIC() {
		flags = append(flags, "-fPIC")
	} else {
		flags = append(flags, "-fno-pic")
	}
	switch req.Profile.Optimization {
	case config.OptimizeRelease:
		flags = append(flags, "-O2")
	default:
		flags = append(flags, "-O0", "-g")
	}
	if req.Profile.Diagnostics {
		flags = append(flags, "-DRVBOOT_DIAGNOSTICS=1")
	}
	return flags
}

// LinkFlags returns the linker flags; script is the linker script path.
func LinkFlags(req Request, script string) []string {
	flags := []string{
		"-nostdlib",
		"-static",
		"--gc-sections",
		"--build-id=none",
		"--no-relax",
		"-T", script,
	}
	for _, sym := range req.Symbols {
		flags = append(flags, "--defsym="+sym.Name+"="+strconv.FormatUint(sym.Value, 10))
	}
	return flags
}

// absolute rewrites every path handed to the tools relative to the process
// working directory. Tools run with WorkDir as their working directory.
func absolute(req Request) (Request, error) {
	var err error
	if req.WorkDir, err = filepath.Abs(req.WorkDir); err != nil {
		return req, err
	}
	if req.Output, err = filepath.Abs(req.Output); err != nil {
		return req, err
	}
	sources := make([]string, len(req.Stage.Sources))
	for i, src := range req.Stage.Sources {
		if sources[i], err = filepath.Abs(src); err != nil {
			return req, err
		}
	}
	req.Stage.Sources = sources
	return req, nil
}

func (g *GNU) Build(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	req, err := absolute(req)
	if err != nil {
		return fmt.Errorf("gnu %s: %w", req.Stage.Name, err)
	}
	if len(req.Stage.Sources) == 0 {
		return fmt.Errorf("gnu %s: %w: no sources configured", req.Stage.Name, layout.ErrMissingDependency)
	}
	for _, src := range req.Stage.Sources {
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("gnu %s: %w: %w", req.Stage.Name, layout.ErrMissingDependency, err)
		}
	}

	objDir := filepath.Join(req.WorkDir, req.Stage.Name)
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return err
	}

	script := filepath.Join(req.WorkDir, req.Stage.Name+".ld")
	if err := os.WriteFile(script, []byte(req.Layout.LinkerScript(req.Script)), 0o644); err != nil {
		return fmt.Errorf("gnu %s: write linker script: %w", req.Stage.Name, err)
	}

	gcc := g.tool("gcc")
	cflags := CompileFlags(req)
	var objs []string
	for i, src := range req.Stage.Sources {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		obj := filepath.Join(objDir, fmt.Sprintf("%02d-%s.o", i, base))
		args := append(append([]string(nil), cflags...), "-c", src, "-o", obj)
		if out, err := g.run(ctx, req.WorkDir, gcc, args...); err != nil {
			return fmt.Errorf("gnu %s: compile %s: %w", req.Stage.Name, src, toolError(gcc, err, out))
		} else if len(bytes.TrimSpace(out)) > 0 {
			g.log().Warn("compiler output", "stage", req.Stage.Name, "source", src, "output", ansi.Strip(string(out)))
		}
		objs = append(objs, obj)
	}

	ld := g.tool("ld")
	args := append(LinkFlags(req, script), "-o", req.Output)
	args = append(args, objs...)
	out, err := g.run(ctx, req.WorkDir, ld, args...)
	if err != nil {
		err = toolError(ld, err, out)
		if strings.Contains(err.Error(), "undefined reference") {
			return fmt.Errorf("gnu %s: %w: %w", req.Stage.Name, layout.ErrMissingDependency, err)
		}
		return fmt.Errorf("gnu %s: link: %w", req.Stage.Name, err)
	}
	return nil
}

// Available reports whether the prefixed compiler can be found on PATH.
func (g *GNU) Available() bool {
	_, err := exec.LookPath(g.tool("gcc"))
	return err == nil
}
