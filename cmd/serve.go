package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/api"
	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/metrics"
	"github.com/sells-group/referent-cli/internal/model"
	"github.com/sells-group/referent-cli/internal/monitoring"
	"github.com/sells-group/referent-cli/internal/pipeline"
	"github.com/sells-group/referent-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status, runs and review API",
	Long:  "Starts the HTTP API for run status, the run ledger, run triggering and reviewer adjustments, plus Prometheus metrics and the run-health alert checker.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := config.NewService(cfgFile)
		if err != nil {
			return err
		}

		env := newAppEnv(cfg)
		if err := env.loadEmbedder(cfg); err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck
		ledger := initLedger(ctx, cfg)
		if ledger != nil {
			defer ledger.Close() //nolint:errcheck
		}
		pm, err := newPipelineMetrics()
		if err != nil {
			return err
		}

		deps := api.Deps{
			Lock:     env.Locks,
			History:  env.History,
			Models:   env.Models,
			Runner:   &configuredRunner{env: env, svc: svc, ledger: ledger, metrics: pm},
			Reviewer: env.reviewService(),
			Registry: pm.Registry(),
		}
		if ledger != nil {
			deps.Runs = ledger

			checker := monitoring.NewChecker(
				monitoring.NewCollector(ledger, env.Locks),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(ctx, deps).Router(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// configuredRunner builds each run from a fresh configuration snapshot, so
// edits to the config file reach the next run but never one in flight.
type configuredRunner struct {
	env     *appEnv
	svc     *config.Service
	ledger  store.Store
	metrics *metrics.PipelineMetrics
}

func (r *configuredRunner) Start(ctx context.Context, table *model.RawTable) *pipeline.Handle {
	snap, err := r.svc.Snapshot()
	if err != nil {
		zap.L().Warn("serve: config reload failed, using startup config", zap.Error(err))
		snap = *cfg
	}
	deps, err := r.env.pipelineDeps(&snap, r.ledger, r.metrics)
	if err != nil {
		// The run proceeds with what was built; a missing extractor fails it at Extracting.
		zap.L().Error("serve: build run dependencies", zap.Error(err))
	}
	return pipeline.New(deps, pipeline.SettingsFrom(snap)).Start(ctx, table)
}
