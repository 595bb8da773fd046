package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"sshmux/internal/config"
	"sshmux/internal/logging"
	"sshmux/internal/master"
	"sshmux/internal/state"
	"sshmux/internal/target"
)

type commandContext struct {
	configFlag *string
	levelFlag  *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger *slog.Logger
	store  *state.Store

	// managerOpts are appended to every master.Manager; tests inject a launcher.
	managerOpts []master.Option
}

func newCommandContext(configFlag, levelFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		levelFlag:  levelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.levelFlag != nil && strings.TrimSpace(*c.levelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.levelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

func (c *commandContext) openStore() (*state.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open master registry: %w", err)
	}
	c.store = store
	return store, nil
}

func (c *commandContext) close() error {
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

// masterUse selects how a command treats the master for its destination.
type masterUse int

const (
	// launchAndKeep launches a master if needed and leaves it running.
	launchAndKeep masterUse = iota
	// launchPerConfig launches if needed and tears down per terminate_on_release.
	launchPerConfig
	// attachOnly fails with master.ErrNoMaster instead of launching.
	attachOnly
)

// withMaster acquires the master for dest and releases it after fn.
func (c *commandContext) withMaster(ctx context.Context, dest string, use masterUse, fn func(context.Context, *master.Handle) error) (err error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	t, err := target.Parse(dest)
	if err != nil {
		return err
	}
	store, err := c.openStore()
	if err != nil {
		return err
	}

	ctx, _ = logging.NewCorrelationID(ctx)
	logger := logging.WithContext(ctx, c.logger)

	managerCfg := *cfg
	opts := []master.Option{master.WithStore(store), master.WithLogger(logger)}
	switch use {
	case launchAndKeep:
		managerCfg.Lifecycle.TerminateOnRelease = false
	case attachOnly:
		opts = append(opts, master.WithoutLaunch())
	}
	mgr := master.NewManager(&managerCfg, append(opts, c.managerOpts...)...)
	defer mgr.Close()

	h, err := mgr.Acquire(ctx, t)
	if err != nil {
		return err
	}
	logger.Debug("master acquired",
		logging.String(logging.FieldSocket, h.SocketPath()),
		logging.String(logging.FieldTarget, t.String()),
		logging.Bool("launched", h.Launched()),
	)
	defer func() {
		if rerr := mgr.Release(context.WithoutCancel(ctx), h); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx, h)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		return errors.New("remote command ended without an exit status")
	}
	return &exitStatusError{code: code}
}
