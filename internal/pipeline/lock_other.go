//go:build !unix

package pipeline

import "log/slog"

func lockDir(dir string, logger *slog.Logger) (func(), error) {
	return func() {}, nil
}
