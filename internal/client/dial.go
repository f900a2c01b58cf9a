package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/pocketsync/internal/config"
	"github.com/openmined/pocketsync/internal/sync"
	"github.com/openmined/pocketsync/internal/transport"
	"github.com/openmined/pocketsync/internal/transport/dirremote"
	"github.com/openmined/pocketsync/internal/transport/s3remote"
	"github.com/openmined/pocketsync/internal/transport/sshremote"
	"github.com/openmined/pocketsync/internal/utils"
	"github.com/openmined/pocketsync/internal/workspace"
)

// Kind names the transport a REMOTE value selects.
func Kind(remote string) string {
	switch {
	case s3remote.IsAddress(remote):
		return "s3"
	case sshremote.IsAddress(remote):
		return "ssh"
	default:
		return "dir"
	}
}

// Dial connects the transport named by cfg.Remote. A malformed address wraps
// sync.ErrConfig; an unreachable remote wraps sync.ErrTransport.
func Dial(ctx context.Context, ws *workspace.Workspace, cfg *config.Config) (transport.Transport, error) {
	switch Kind(cfg.Remote) {
	case "s3":
		addr, err := s3remote.ParseAddress(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
		}
		t, err := s3remote.Dial(ctx, ws.Root, addr, s3remote.Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", sync.ErrTransport, addr, err)
		}
		return t, nil

	case "ssh":
		addr, err := sshremote.ParseAddress(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
		}
		t, err := sshremote.Dial(ctx, ws.Root, addr, sshremote.Options{
			Identity:   cfg.SSHIdentity,
			KnownHosts: cfg.SSHKnownHosts,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", sync.ErrTransport, addr, err)
		}
		return t, nil

	default:
		dir, err := utils.ResolveFrom(ws.Root, cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", sync.ErrConfig, config.KeyRemote, err)
		}
		t, err := dirremote.New(ws.Root, dir)
		if err != nil {
			if errors.Is(err, dirremote.ErrOverlap) {
				return nil, fmt.Errorf("%w: %w", sync.ErrConfig, err)
			}
			return nil, fmt.Errorf("%w: %w", sync.ErrTransport, err)
		}
		return t, nil
	}
}
