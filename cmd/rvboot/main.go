// Command rvboot builds and inspects two-stage RISC-V boot images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/emulator"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/memmap"
	"github.com/tinyrange/rvboot/internal/pipeline"
	"github.com/tinyrange/rvboot/internal/stage"
	"github.com/tinyrange/rvboot/internal/toolchain"
)

const usage = `usage: rvboot <command> [flags]

commands:
  build    compile both stages and assemble the boot image
  layout   print the region layout and linker script of each stage
  run      boot the image under qemu
  memmap   print usable physical memory after the image is carved out
  inspect  verify a built image against its manifest
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "build":
		err = runBuild(ctx, args)
	case "layout":
		err = runLayout(args)
	case "run":
		err = runEmulator(ctx, args)
	case "memmap":
		err = runMemmap(ctx, args)
	case "inspect":
		err = runInspect(args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		err = fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rvboot: %v\n", err)
		os.Exit(1)
	}
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	release    bool
	debug      bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", config.DefaultPath, "path to the rvboot configuration file")
	fs.BoolVar(&c.release, "release", false, "use the release profile instead of debug")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

func (c *common) load() (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (c *common) profile() config.Profile {
	if c.release {
		return config.Release
	}
	return config.Debug
}

func profileDir(cfg *config.Config, p config.Profile) string {
	return filepath.Join(cfg.Path(cfg.Output), p.Name)
}

func runBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	var c common
	c.register(fs)
	all := fs.Bool("all", false, "build every profile concurrently")
	driver := fs.String("toolchain", "", "override the toolchain driver (gnu or native)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if *driver != "" {
		cfg.Toolchain.Driver = *driver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	tc, err := toolchain.New(cfg, logger)
	if err != nil {
		return err
	}
	if gnu, ok := tc.(*toolchain.GNU); ok {
		if err := gnu.Check(ctx); err != nil {
			return err
		}
	}

	profiles := []config.Profile{c.profile()}
	if *all {
		profiles = config.Profiles()
	}

	bar := newProgress(len(profiles) * len(pipeline.Steps()))
	defer bar.finish()

	pipelines, err := preparePipelines(cfg, tc, profiles, logger, bar)
	if err != nil {
		return err
	}

	results := make([]*pipeline.Result, len(pipelines))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pipelines {
		g.Go(func() error {
			res, err := p.Run(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", profiles[i].Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	bar.finish()

	for _, res := range results {
		fmt.Printf("%s: %s (%d bytes: boot %d + kernel %d, kernel at offset %#x)\n",
			res.Profile.Name, res.Image, res.Manifest.ImageSize,
			res.Handoff.KernelOffset, res.Handoff.KernelSize, res.Handoff.KernelOffset)
	}
	return nil
}

// preparePipelines creates one pipeline per profile. Any error is returned
// before a single build starts.
func preparePipelines(cfg *config.Config, tc toolchain.Toolchain, profiles []config.Profile, logger *slog.Logger, obs pipeline.Observer) ([]*pipeline.Pipeline, error) {
	pipelines := make([]*pipeline.Pipeline, len(profiles))
	for i, profile := range profiles {
		p, err := pipeline.New(cfg, tc, profile, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", profile.Name, err)
		}
		p.Observer = obs
		pipelines[i] = p
	}
	return pipelines, nil
}

// progress reports pipeline steps on a progress bar when stderr is a
// terminal and does nothing otherwise.
type progress struct {
	bar  *progressbar.ProgressBar
	once sync.Once
}

func newProgress(total int) *progress {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return &progress{}
	}
	return &progress{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("building"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p *progress) OnStep(step pipeline.Step, state pipeline.State) {
	if p.bar == nil {
		return
	}
	switch state {
	case pipeline.StepStarted:
		p.bar.Describe(step.String())
	case pipeline.StepDone:
		_ = p.bar.Add(1)
	}
}

func (p *progress) finish() {
	if p.bar == nil {
		return
	}
	p.once.Do(func() { _ = p.bar.Finish() })
}

func runLayout(args []string) error {
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	var c common
	c.register(fs)
	script := fs.Bool("script", false, "also print the GNU linker script of each stage")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := c.load()
	if err != nil {
		return err
	}

	boot, kernel := stage.FromConfig(cfg)
	for _, s := range []stage.Stage{boot, kernel} {
		d, err := layout.NewDescriptor(s)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", s)
		for _, r := range d.Regions {
			reserve := ""
			if r.Reserve > 0 {
				reserve = fmt.Sprintf(" reserve %#x", r.Reserve)
			}
			fmt.Printf("  %-7s align %#x%s  %v\n", r.Kind, d.PageSize, reserve, r.Patterns)
		}
		if *script {
			opts := layout.ScriptOptions{
				Diagnostics:       c.profile().Diagnostics,
				RequireKernelSize: s.Mode == stage.RelocationFixed,
			}
			fmt.Println()
			fmt.Print(d.LinkerScript(opts))
		}
		fmt.Println()
	}
	return nil
}

func runEmulator(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var c common
	c.register(fs)
	build := fs.Bool("build", false, "build the image before booting it")
	dtb := fs.String("dtb", "", "device tree blob to boot with, e.g. one written by memmap -out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *build {
		buildArgs := []string{"-config", c.configPath}
		if c.release {
			buildArgs = append(buildArgs, "-release")
		}
		if c.debug {
			buildArgs = append(buildArgs, "-debug")
		}
		if err := runBuild(ctx, buildArgs); err != nil {
			return err
		}
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	img := filepath.Join(profileDir(cfg, c.profile()), pipeline.ImageName)
	q := emulator.FromConfig(cfg, logger)
	q.DTB = *dtb

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}
	return q.Run(ctx, img, emulator.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr})
}

func runMemmap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("memmap", flag.ExitOnError)
	var c common
	c.register(fs)
	dtbPath := fs.String("dtb", "", "device tree blob to read (default: ask the emulator)")
	manifestPath := fs.String("manifest", "", "manifest of the image to carve out (default: the profile's manifest)")
	out := fs.String("out", "", "write the device tree with the image reserved to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	var blob []byte
	if *dtbPath != "" {
		blob, err = os.ReadFile(*dtbPath)
	} else {
		blob, err = emulator.FromConfig(cfg, logger).DumpDTB(ctx)
	}
	if err != nil {
		return err
	}
	m, err := memmap.FromDeviceTree(blob)
	if err != nil {
		return err
	}
	fmt.Printf("memory: %#x bytes in %d regions\n", m.Total(), len(m.Regions()))

	if *manifestPath == "" {
		*manifestPath = filepath.Join(profileDir(cfg, c.profile()), pipeline.ManifestName)
	}
	manifest, err := pipeline.ReadManifest(*manifestPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("no manifest, image not carved out", "path", *manifestPath)
	case err != nil:
		return err
	default:
		m.CarveOut(manifest.Boot.Start, manifest.ImageSize)
		fmt.Printf("image:  %#x-%#x\n", manifest.Boot.Start, manifest.Boot.Start+manifest.ImageSize)
		if *out != "" {
			reserved, err := memmap.ReserveImage(blob, manifest.Boot.Start, manifest.ImageSize)
			if err != nil {
				return err
			}
			if err := os.WriteFile(*out, reserved, 0o644); err != nil {
				return fmt.Errorf("write device tree: %w", err)
			}
			logger.Info("wrote device tree", "path", *out)
		}
	}
	if *out != "" && manifest == nil {
		return fmt.Errorf("-out needs a manifest to know where the image lies")
	}

	fmt.Println("usable:")
	for _, r := range m.Regions() {
		fmt.Printf("  %s\n", r)
	}
	fmt.Printf("total usable: %#x bytes\n", m.Total())
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	var c common
	c.register(fs)
	dir := fs.String("dir", "", "profile output directory (default: from the config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		cfg, _, err := c.load()
		if err != nil {
			return err
		}
		*dir = profileDir(cfg, c.profile())
	}

	m, err := pipeline.Check(*dir)
	if err != nil {
		return err
	}
	fmt.Printf("profile %s, toolchain %s\n", m.Profile, m.Toolchain)
	fmt.Printf("image   %s  %d bytes  sha256 %s\n", m.Image, m.ImageSize, m.SHA256)
	fmt.Printf("kernel  offset %#x  size %d\n\n", m.Handoff.KernelOffset, m.Handoff.KernelSize)
	for _, s := range []struct {
		name string
		sm   pipeline.StageManifest
	}{{"boot", m.Boot}, {"kernel", m.Kernel}} {
		fmt.Printf("%s: [%#x, %#x) entry %#x\n", s.name, s.sm.Start, s.sm.End, s.sm.Entry)
		for _, r := range s.sm.Regions {
			fmt.Printf("  %s\n", r)
		}
	}
	if m.Plan != nil {
		fmt.Println("\nmappings:")
		for _, mapping := range m.Plan.Mappings() {
			fmt.Printf("  %s\n", mapping)
		}
	}
	return nil
}
