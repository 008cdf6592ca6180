package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/rvboot/internal/link"
	"github.com/tinyrange/rvboot/internal/program"
)

// Native builds the reference stage programs without external tools.
type Native struct {
	// Programs selects the sources per stage. Nil uses program.ForStage.
	Programs program.Func
	Logger   *slog.Logger
}

func (n *Native) Name() string { return "native" }

func (n *Native) Build(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	programs := n.Programs
	if programs == nil {
		programs = program.ForStage
	}

	sources, err := programs(req.Stage, req.Profile)
	if err != nil {
		return fmt.Errorf("native %s: %w", req.Stage.Name, err)
	}
	objs, err := program.Assemble(sources)
	if err != nil {
		return fmt.Errorf("native %s: %w", req.Stage.Name, err)
	}

	out, err := link.Link(objs, link.Options{
		Descriptor: req.Layout,
		Symbols:    req.Symbols,
		Script:     req.Script,
		Comment:    comment(n, req.Profile),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	for _, removed := range out.Removed {
		log.Debug("removed unreferenced section", "stage", req.Stage.Name, "section", removed)
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return fmt.Errorf("native %s: %w", req.Stage.Name, err)
	}
	if err := os.WriteFile(req.Output, out.ELF, 0o644); err != nil {
		return fmt.Errorf("native %s: write %s: %w", req.Stage.Name, req.Output, err)
	}
	return nil
}
