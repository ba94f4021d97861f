// Command harvest-agent runs the per-node log-harvesting agent: it
// discovers container log files under a docker state directory, tails
// the ones a control plane asks for, and ships envelopes to a sink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/agent"
	"github.com/yametech/harvest-agent/internal/config"
	"github.com/yametech/harvest-agent/internal/logging"
)

// shutdownTimeout bounds how long Stop waits for the HTTP server to shut
// down after Start returns; the store drains that follow are not bounded.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var logLevel, listenAddr string

	cmd := &cobra.Command{
		Use:   "harvest-agent",
		Short: "Per-node log-harvesting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			log, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			return run(log, cfg, listenAddr)
		},
	}

	config.BindFlags(cmd, v)
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&listenAddr, "listen", agent.DefaultListenAddr, "read API bind address")

	return cmd
}

func run(log *zap.Logger, cfg config.Config, listenAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(log, cfg, listenAddr)
	log.Info("starting harvest-agent",
		zap.String("namespace", cfg.Namespace),
		zap.String("dockerDir", cfg.DockerDir),
		zap.String("apiServer", cfg.APIServer),
		zap.String("host", cfg.Host),
	)

	err := a.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Stop(shutdownCtx)

	return err
}
