package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/imalyk/go-image-processor/internal/recovery"
	"github.com/imalyk/go-image-processor/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("imageq: %v", err)
	}
}

type cli struct {
	cfg    config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "imageq",
		Short:         "Image edit job queue: API server, recovery and drain tools.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(c.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Recover orphaned jobs, then serve the HTTP API and run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Run the recovery sweep once and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRecover(cmd)
		},
	})

	var all, remote bool
	drain := &cobra.Command{
		Use:   "drain",
		Short: "Claim and run pending jobs",
		Long:  `Claim and run pending jobs.

A local drain holds its jobs in this process only. A server that starts while
it runs cannot see them and its startup recovery sweep will requeue them, so
run a local drain only while no server is running. Use --remote to make a
running server drain instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDrain(cmd, all, remote)
		},
	}
	drain.Flags().BoolVar(&all, "all", false, "keep draining until no pending job is left")
	drain.Flags().BoolVar(&remote, "remote", false, "ask the running server to drain instead of draining here")
	root.AddCommand(drain)
	return root
}

func (c *cli) serve(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, c.logger, true)
	if err != nil {
		return err
	}
	defer a.close()

	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("scheduler stopped with error", "error", err)
		}
	}()
	if err := a.startup(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	srv := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           newServer(ctx, a).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("http shutdown failed", "error", err)
		}
	}()

	c.logger.Info("starting server", "addr", c.cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	c.logger.Info("server stopped")
	return nil
}

// runRecover sweeps from outside the server. A requeue wakes the server through
// Redis when it is configured.
func (c *cli) runRecover(cmd *cobra.Command) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, c.cfg, c.logger, false)
	if err != nil {
		return err
	}
	defer a.close()

	var trigger recovery.Trigger
	if a.redis != nil {
		trigger = remoteTrigger{app: a, ctx: ctx, reason: "recover"}
	}
	report, err := recovery.New(a.store, nil, trigger, c.logger).Sweep(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func (c *cli) runDrain(cmd *cobra.Command, all, remote bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, c.logger, !remote)
	if err != nil {
		return err
	}
	defer a.close()

	if remote {
		if err := a.publish(ctx, "cli drain", all); err != nil {
			return err
		}
		c.logger.Info("wake message published", "key", c.cfg.RedisWakeKey, "all", all)
		return nil
	}

	// The running server owns startup recovery; a side drain only claims PENDING work.
	a.dispatcher.Open()
	sum, err := a.dispatcher.Drain(ctx, worker.DrainOptions{All: all})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return printJSON(cmd, sum)
}

// remoteTrigger turns a recovery trigger into a wake message.
type remoteTrigger struct {
	app    *app
	ctx    context.Context
	reason string
}

func (t remoteTrigger) Trigger() {
	if err := t.app.publish(t.ctx, t.reason, true); err != nil {
		t.app.logger.Warn("failed to publish wake message", "error", err)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
