// Package pipeline drives the two-stage build: compile the kernel, flatten
// and measure it, link the boot stage against the measured size, then
// flatten the boot stage and concatenate both into the final image.
package pipeline

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/flatten"
	"github.com/tinyrange/rvboot/internal/handoff"
	"github.com/tinyrange/rvboot/internal/image"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/stage"
	"github.com/tinyrange/rvboot/internal/toolchain"
)

const (
	ImageName    = "rvboot.img"
	ManifestName = "manifest.yaml"

	kernelELFName = "kernel.elf"
	kernelBinName = "kernel.bin"
	bootELFName   = "boot.elf"
	bootBinName   = "boot.bin"
	workDirName   = "obj"
	lockName      = ".lock"
)

// Pipeline builds one profile of the boot image.
type Pipeline struct {
	Observer Observer

	cfg     *config.Config
	tc      toolchain.Toolchain
	profile config.Profile
	logger  *slog.Logger

	boot, kernel             stage.Stage
	bootLayout, kernelLayout *layout.Descriptor
}

// Result describes a successful build.
type Result struct {
	Profile  config.Profile
	Dir      string
	Image    string
	Manifest *Manifest

	Handoff    image.Handoff
	KernelSize KernelSize
	Boot       *layout.Resolved
	Kernel     *layout.Resolved
	Plan       *handoff.Plan
}

// linked is one stage after its link step.
type linked struct {
	path     string
	resolved *layout.Resolved
}

// New prepares a pipeline for profile. It fails if either stage or its
// layout is invalid.
func New(cfg *config.Config, tc toolchain.Toolchain, profile config.Profile, logger *slog.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: nil config")
	}
	if tc == nil {
		return nil, fmt.Errorf("pipeline: nil toolchain")
	}
	if logger == nil {
		logger = slog.Default()
	}
	boot, kernel := stage.FromConfig(cfg)
	bootLayout, err := layout.NewDescriptor(boot)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	kernelLayout, err := layout.NewDescriptor(kernel)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{
		cfg:          cfg,
		tc:           tc,
		profile:      profile,
		logger:       logger.With("profile", profile.Name),
		boot:         boot,
		kernel:       kernel,
		bootLayout:   bootLayout,
		kernelLayout: kernelLayout,
	}, nil
}

// Dir is the per-profile output directory.
func (p *Pipeline) Dir() string {
	return filepath.Join(p.cfg.Path(p.cfg.Output), p.profile.Name)
}

func (p *Pipeline) path(name string) string {
	return filepath.Join(p.Dir(), name)
}

// detail logs step internals at Info for diagnostic profiles and at Debug
// otherwise.
func (p *Pipeline) detail(msg string, args ...any) {
	level := slog.LevelDebug
	if p.profile.Diagnostics {
		level = slog.LevelInfo
	}
	p.logger.Log(context.Background(), level, msg, args...)
}

func (p *Pipeline) notify(step Step, state State) {
	if p.Observer != nil {
		p.Observer.OnStep(step, state)
	}
}

// runStep executes fn as step, reporting progress and wrapping failures.
func runStep[T any](ctx context.Context, p *Pipeline, step Step, fn func() (T, error)) (T, error) {
	var zero T
	p.notify(step, StepStarted)
	if err := ctx.Err(); err != nil {
		p.notify(step, StepFailed)
		return zero, &StepError{Step: step, Err: err}
	}
	v, err := fn()
	if err != nil {
		p.notify(step, StepFailed)
		p.logger.Error("step failed", "step", step, "error", err)
		return zero, &StepError{Step: step, Err: err}
	}
	p.notify(step, StepDone)
	p.logger.Info("step complete", "step", step)
	return v, nil
}

// Run executes all four steps. On failure no image or manifest is left in
// the output directory.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	dir := p.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StepError{Step: CompileKernel, Err: err}
	}
	unlock, err := lockDir(dir, p.logger)
	if err != nil {
		return nil, &StepError{Step: CompileKernel, Err: err}
	}
	defer unlock()

	if err := p.removeStale(); err != nil {
		return nil, &StepError{Step: CompileKernel, Err: err}
	}

	kernel, err := runStep(ctx, p, CompileKernel, func() (string, error) {
		return p.compileKernel(ctx)
	})
	if err != nil {
		return nil, err
	}

	type measured struct {
		linked
		flat *flatten.Binary
		size KernelSize
	}
	m, err := runStep(ctx, p, FlattenAndMeasureKernel, func() (measured, error) {
		l, flat, size, err := p.measureKernel(kernel)
		return measured{linked: l, flat: flat, size: size}, err
	})
	if err != nil {
		return nil, err
	}

	boot, err := runStep(ctx, p, CompileAndLinkBoot, func() (linked, error) {
		return p.linkBoot(ctx, m.size)
	})
	if err != nil {
		return nil, err
	}

	return runStep(ctx, p, FlattenAndConcatenate, func() (*Result, error) {
		return p.concatenate(boot, m.linked, m.flat, m.size)
	})
}

// removeStale deletes every artifact of a previous run.
func (p *Pipeline) removeStale() error {
	for _, name := range []string{ImageName, ManifestName, kernelELFName, kernelBinName, bootELFName, bootBinName} {
		if err := os.Remove(p.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", name, err)
		}
	}
	return nil
}

func (p *Pipeline) compileKernel(ctx context.Context) (string, error) {
	out := p.path(kernelELFName)
	err := p.tc.Build(ctx, toolchain.Request{
		Stage:   p.kernel,
		Profile: p.profile,
		Layout:  p.kernelLayout,
		Script:  layout.ScriptOptions{Diagnostics: p.profile.Diagnostics},
		WorkDir: p.path(workDirName),
		Output:  out,
	})
	if err != nil {
		return "", err
	}
	p.detail("kernel linked", "toolchain", p.tc.Name(), "elf", out)
	return out, nil
}

// measureKernel flattens the kernel over its verified bounds. The returned
// size is the only way a boot link can be requested.
func (p *Pipeline) measureKernel(path string) (linked, *flatten.Binary, KernelSize, error) {
	resolved, flat, err := p.flattenStage(path, p.kernelLayout)
	if err != nil {
		return linked{}, nil, KernelSize{}, err
	}
	size, err := Measure(flat)
	if err != nil {
		return linked{}, nil, KernelSize{}, err
	}
	if size.Bytes() != resolved.Size() {
		return linked{}, nil, KernelSize{}, fmt.Errorf("%w: flat kernel is %d bytes but markers span %d",
			ErrSizeThreading, size.Bytes(), resolved.Size())
	}
	if err := flat.WriteFile(p.path(kernelBinName)); err != nil {
		return linked{}, nil, KernelSize{}, fmt.Errorf("write kernel binary: %w", err)
	}
	p.detail("kernel measured",
		"start", fmt.Sprintf("%#x", resolved.Start),
		"end", fmt.Sprintf("%#x", resolved.End),
		"size", size.Bytes())
	return linked{path: path, resolved: resolved}, flat, size, nil
}

func (p *Pipeline) linkBoot(ctx context.Context, size KernelSize) (linked, error) {
	sym, err := size.Symbol()
	if err != nil {
		return linked{}, err
	}
	out := p.path(bootELFName)
	err = p.tc.Build(ctx, toolchain.Request{
		Stage:   p.boot,
		Profile: p.profile,
		Layout:  p.bootLayout,
		Script:  layout.ScriptOptions{Diagnostics: p.profile.Diagnostics, RequireKernelSize: true},
		Symbols: []layout.Symbol{sym},
		WorkDir: p.path(workDirName),
		Output:  out,
	})
	if err != nil {
		return linked{}, err
	}

	f, err := elf.Open(out)
	if err != nil {
		return linked{}, fmt.Errorf("open boot ELF: %w", err)
	}
	defer f.Close()
	resolved, err := layout.Verify(f, p.bootLayout)
	if err != nil {
		return linked{}, err
	}
	got, ok := resolved.Symbols[layout.KernelSizeSymbol]
	if !ok {
		return linked{}, fmt.Errorf("%w: boot stage has no %s symbol", ErrSizeThreading, layout.KernelSizeSymbol)
	}
	if got != size.Bytes() {
		return linked{}, fmt.Errorf("%w: boot stage carries %s=%d, measured %d",
			ErrSizeThreading, layout.KernelSizeSymbol, got, size.Bytes())
	}
	p.detail("boot linked", "elf", out, "kernel_size", got,
		"end", fmt.Sprintf("%#x", resolved.End))
	return linked{path: out, resolved: resolved}, nil
}

func (p *Pipeline) concatenate(boot, kernel linked, kernelFlat *flatten.Binary, size KernelSize) (*Result, error) {
	_, bootFlat, err := p.flattenStage(boot.path, p.bootLayout)
	if err != nil {
		return nil, err
	}
	if err := bootFlat.WriteFile(p.path(bootBinName)); err != nil {
		return nil, fmt.Errorf("write boot binary: %w", err)
	}

	img, err := image.Assemble(bootFlat.Data, kernelFlat.Data)
	if err != nil {
		return nil, err
	}
	h := img.Handoff()
	if h.KernelSize != size.Bytes() {
		return nil, fmt.Errorf("%w: image holds %d kernel bytes, boot stage expects %d",
			ErrSizeThreading, h.KernelSize, size.Bytes())
	}
	if err := img.VerifyPayload(h, kernelFlat.Data); err != nil {
		return nil, err
	}
	plan, err := handoff.NewPlan(boot.resolved, kernel.resolved, h)
	if err != nil {
		return nil, err
	}

	manifest := p.manifest(img, bootFlat, kernelFlat, boot.resolved, kernel.resolved, plan)
	if err := img.WriteFile(p.path(ImageName)); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := manifest.WriteFile(p.path(ManifestName)); err != nil {
		_ = os.Remove(p.path(ImageName))
		return nil, err
	}
	p.detail("image assembled",
		"boot_size", h.KernelOffset,
		"kernel_offset", fmt.Sprintf("%#x", h.KernelOffset),
		"kernel_size", h.KernelSize,
		"sha256", manifest.SHA256)

	return &Result{
		Profile:    p.profile,
		Dir:        p.Dir(),
		Image:      p.path(ImageName),
		Manifest:   manifest,
		Handoff:    h,
		KernelSize: size,
		Boot:       boot.resolved,
		Kernel:     kernel.resolved,
		Plan:       plan,
	}, nil
}

// flattenStage verifies the markers of a linked stage and flattens it over
// exactly [start, end).
func (p *Pipeline) flattenStage(path string, d *layout.Descriptor) (*layout.Resolved, *flatten.Binary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s ELF: %w", d.Stage.Name, err)
	}
	defer f.Close()
	resolved, err := layout.Verify(f, d)
	if err != nil {
		return nil, nil, err
	}
	flat, err := flatten.Range(f, resolved.Start, resolved.End)
	if err != nil {
		return nil, nil, err
	}
	return resolved, flat, nil
}
