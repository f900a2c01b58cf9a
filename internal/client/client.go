// Package client assembles one sync run of a local root from its workspace
// and configuration.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/pocketsync/internal/config"
	"github.com/openmined/pocketsync/internal/exclude"
	"github.com/openmined/pocketsync/internal/state"
	"github.com/openmined/pocketsync/internal/sync"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/workspace"
)

type Options struct {
	DryRun  bool
	OnPhase func(sync.Phase)
}

type Client struct {
	ws        *workspace.Workspace
	config    *config.Config
	store     *state.Store
	transport transport.Transport
	engine    *sync.Engine
}

// New opens the state store and the remote of ws. Setup problems caused by
// the configuration or the exclude file wrap sync.ErrConfig.
func New(ctx context.Context, ws *workspace.Workspace, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
	}

	matcher, err := exclude.Load(ws.ExcludePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
	}

	resolver, err := newResolver(cfg.Conflict, ws.Root)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ws, cfg.State)
	if err != nil {
		if errors.Is(err, state.ErrUnknownBackend) {
			return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
		}
		return nil, fmt.Errorf("%w: open state: %w", sync.ErrFailed, err)
	}

	t, err := Dial(ctx, ws, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	if cfg.Backups {
		t = transport.WithLocalBackups(t, ws.Root, ws.BackupsDir, time.Now())
	}

	engine := sync.NewEngine(ws.Root, store, t, matcher, sync.Options{
		Workers:  cfg.Workers,
		Resolver: resolver,
		DryRun:   opts.DryRun,
		OnPhase:  opts.OnPhase,
	})

	return &Client{
		ws:        ws,
		config:    cfg,
		store:     store,
		transport: t,
		engine:    engine,
	}, nil
}

// Run performs one sync.
func (c *Client) Run(ctx context.Context) (*sync.Result, error) {
	slog.Info("pocketsync start", "root", c.ws.Root, "remote", c.config.Remote, "workers", c.config.Workers, "state", c.config.State)
	return c.engine.Run(ctx)
}

func (c *Client) Close() error {
	return errors.Join(c.transport.Close(), c.store.Close())
}

func newResolver(strategy, root string) (sync.ConflictResolver, error) {
	switch strategy {
	case config.ConflictRename, "":
		return sync.NewRenameAside(root), nil
	case config.ConflictFail:
		return sync.FailLoud{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown conflict strategy %q", sync.ErrConfig, strategy)
	}
}
