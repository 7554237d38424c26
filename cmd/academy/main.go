// Command academy provides operational tooling against a running
// exchange: mailbox status queries, agent pings, and a metrics endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/academy-project/academy/exchange"
	"github.com/academy-project/academy/identity"
	"github.com/academy-project/academy/pkg/config"
	"github.com/academy-project/academy/pkg/observability"
)

var (
	configFile string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "academy",
		Short: "Operational tooling for an academy exchange",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "academy.yaml", "configuration file")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "operation timeout")

	root.AddCommand(statusCmd(), pingCmd(), metricsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the exchange factory.
func setup() (*config.Config, exchange.Factory, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(cfg.LogLevel()).
		With().Timestamp().Logger()
	factory, err := cfg.NewFactory(log)
	if err != nil {
		return nil, nil, log, err
	}
	return cfg, factory, log, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Report the mailbox status of an entity (e.g. agent:<uuid>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id identity.EntityID
			if err := id.UnmarshalText([]byte(args[0])); err != nil {
				return err
			}
			_, factory, log, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := exchange.NewUserClient(ctx, factory, "academy-cli", log)
			if err != nil {
				return err
			}
			defer client.Close()
			status, err := client.Status(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", id, status)
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <agent-id>",
		Short: "Ping an agent and report the round-trip time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id identity.EntityID
			if err := id.UnmarshalText([]byte(args[0])); err != nil {
				return err
			}
			if id.Role != identity.RoleAgent {
				return fmt.Errorf("ping targets agents, got %s", id)
			}
			_, factory, log, err := setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := exchange.NewUserClient(ctx, factory, "academy-cli", log)
			if err != nil {
				return err
			}
			defer client.Close()
			handle := exchange.NewHandle(id).Bind(client.Client)
			rtt, err := handle.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reply from %s in %s\n", id, rtt.Round(time.Microsecond))
			return nil
		},
	}
}

func metricsCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve prometheus metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, factory, log, err := setup()
			if err != nil {
				return err
			}
			ready := func(ctx context.Context) error {
				client, err := exchange.NewUserClient(ctx, factory, "academy-health", log)
				if err != nil {
					return err
				}
				return client.Close()
			}
			server := observability.NewServer(port, ready)
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()
			log.Info().Int("port", port).Msg("metrics server listening")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case <-quit:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 9090, "listen port")
	return cmd
}
