// Package toolchain turns stage sources into a linked stage ELF.
//
// Two drivers exist: GNU runs an external cross compiler and linker, Native
// assembles the reference programs and links them in process.
package toolchain

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvboot/internal/config"
	"github.com/tinyrange/rvboot/internal/layout"
	"github.com/tinyrange/rvboot/internal/stage"
)

// Request describes one stage build.
type Request struct {
	Stage   stage.Stage
	Profile config.Profile
	Layout  *layout.Descriptor
	Script  layout.ScriptOptions
	// Symbols are absolute link-time constants such as _kernel_size.
	Symbols []layout.Symbol
	// WorkDir holds intermediate files. Output is the linked ELF path.
	WorkDir string
	Output  string
}

func (r Request) validate() error {
	if r.Layout == nil {
		return fmt.Errorf("toolchain: request for %s has no layout", r.Stage.Name)
	}
	if r.Output == "" {
		return fmt.Errorf("toolchain: request for %s has no output path", r.Stage.Name)
	}
	return nil
}

type Toolchain interface {
	Name() string
	Build(ctx context.Context, req Request) error
}

// New returns the driver named by cfg.Toolchain.Driver.
func New(cfg *config.Config, logger *slog.Logger) (Toolchain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Toolchain.Driver {
	case "gnu":
		return &GNU{Prefix: cfg.Target, MinVersion: cfg.Toolchain.MinVersion, Logger: logger}, nil
	case "native":
		return &Native{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown toolchain driver %q", cfg.Toolchain.Driver)
	}
}

// comment is recorded in the .comment section of diagnostic builds.
func comment(tc Toolchain, p config.Profile) string {
	return fmt.Sprintf("rvboot %s toolchain (%s)", tc.Name(), p.Name)
}
