package preflight

import (
	"context"

	"sshmux/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every preflight check for cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	return []Result{
		CheckSSHClient(ctx, cfg.SSH.Binary),
		CheckControlDir(cfg.Control.Dir),
		CheckControlPathLength(cfg.Control.PathTemplate, cfg.Control.Dir),
		CheckRegistry(cfg.State.DBPath),
	}
}

// Failed reports whether any result did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}
