package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/monitoring"
	"github.com/sells-group/company-search/internal/server"
)

var servePort int

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streaming search server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSearch(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		stopJanitor, err := startJanitor(ctx, env.KV, cfg.Janitor.Schedule)
		if err != nil {
			return err
		}
		defer stopJanitor()

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.StuckAfterMins)*time.Minute),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			if env.Metrics != nil {
				checker.WithBreakers(env.Breakers, env.Metrics)
			}
			go checker.Run(ctx)
		}

		opts := server.Options{
			Heartbeat:      time.Duration(cfg.Server.HeartbeatSecs) * time.Second,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		}
		if env.Metrics != nil {
			opts.Metrics = env.Metrics.Handler()
		}
		auth := server.NewKeyAuthenticator(cfg.Server.APIKeys, cfg.Server.TrustAccountHeader)
		handler := server.New(env.Orchestrator, env.Store, auth, opts).Handler()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Open streams see their request context cancelled on shutdown.
			BaseContext: func(net.Listener) context.Context { return ctx },
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		// Runs cut off by shutdown are finalised before the store closes.
		defer func() {
			waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := env.Orchestrator.Wait(waitCtx); err != nil {
				zap.L().Warn("runs still in flight at exit", zap.Error(err))
			}
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
