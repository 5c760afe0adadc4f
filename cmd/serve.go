package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearstake/attest-engine/internal/api"
	"github.com/clearstake/attest-engine/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the consensus engine API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Anchors != nil {
			env.Anchors.Start(ctx)
			defer env.Anchors.Stop()
		}

		// Periodic expiry sweep; lazy expiry on reads covers the gaps. The
		// sweeper is joined before the anchor worker stops so a sweep cannot
		// finalize into a closed pipeline.
		var sweepers sync.WaitGroup
		sweepers.Add(1)
		go func() {
			defer sweepers.Done()
			ticker := time.NewTicker(time.Duration(cfg.Consensus.SweepIntervalSecs) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := env.Coordinator.Sweep(ctx); err != nil {
						zap.L().Error("expiry sweep failed", zap.Error(err))
					}
				}
			}
		}()
		defer func() {
			stop()
			sweepers.Wait()
		}()

		var pipeline monitoring.AnchorPipeline
		if env.Anchors != nil {
			pipeline = env.Anchors
		}
		metrics := monitoring.NewCollector(env.Coordinator, env.Registry, pipeline, env.Store)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.NewServer(env.Coordinator, env.Registry, env.Policies, metrics).Router(),
		}

		// Graceful shutdown. Shutdown needs a context that outlives the
		// cancelled serve context so in-flight handlers can drain, and the
		// drain must complete before the engine defers tear anything down.
		shutdownDone := make(chan struct{})
		go func() {
			defer close(shutdownDone)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		<-shutdownDone

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
