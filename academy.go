// Package academy provides a messaging exchange and agent runtime for
// building systems of long-lived, addressable agents that communicate
// through asynchronous message passing.
//
// Agents implement the agent.Agent interface, a runtime hosts each agent
// against an exchange, and handles invoke actions on remote agents with
// request/response correlation. The manager package ties the pieces
// together: it launches runtimes onto executors and returns bound handles.
//
// Most applications start here:
//
//	sys, err := academy.Open(ctx, "academy.yaml")
//	if err != nil { ... }
//	defer sys.Close(ctx)
//
//	h, err := sys.Manager.Launch(ctx, "counter", &Counter{})
package academy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/manager"
	"github.com/academy-project/academy/pkg/config"
)

// System bundles the pieces built from a configuration file: the exchange
// factory, a manager bound to it, and the shared logger.
type System struct {
	Config  *config.Config
	Factory exchange.Factory
	Manager *manager.Manager
	Log     zerolog.Logger
}

// Open loads configuration from path, builds the configured exchange
// backend, and creates a manager against it.
func Open(ctx context.Context, path string) (*System, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return OpenConfig(ctx, cfg)
}

// OpenConfig builds a System from an already-parsed configuration.
func OpenConfig(ctx context.Context, cfg *config.Config) (*System, error) {
	log := zerolog.New(os.Stderr).Level(cfg.LogLevel()).With().Timestamp().Logger()

	factory, err := cfg.NewFactory(log)
	if err != nil {
		return nil, fmt.Errorf("academy: build exchange: %w", err)
	}
	mgr, err := manager.New(ctx, factory, manager.Options{Logger: log})
	if err != nil {
		if closer, ok := factory.(interface{ Close() error }); ok {
			closer.Close()
		}
		return nil, err
	}
	return &System{Config: cfg, Factory: factory, Manager: mgr, Log: log}, nil
}

// Close shuts down the manager and releases the exchange backend.
func (s *System) Close(ctx context.Context) error {
	err := s.Manager.Shutdown(ctx)
	if closer, ok := s.Factory.(interface{ Close() error }); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}
