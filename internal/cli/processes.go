package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packforge/dpp/internal/admission"
	"github.com/packforge/dpp/internal/api"
	"github.com/packforge/dpp/internal/auth"
	"github.com/packforge/dpp/internal/finalize"
	"github.com/packforge/dpp/internal/ledger"
	"github.com/packforge/dpp/internal/objstore"
	"github.com/packforge/dpp/internal/planguard"
	"github.com/packforge/dpp/internal/queue"
	"github.com/packforge/dpp/internal/reaper"
	"github.com/packforge/dpp/internal/reconciler"
	"github.com/packforge/dpp/internal/runstore"
	"github.com/packforge/dpp/internal/usage"
	"github.com/packforge/dpp/internal/worker"
)

const shutdownGrace = 30 * time.Second

// signalContext is the lifetime of a long-running process: canceled on
// SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("api")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			sqsClient, err := a.newSQSClient(ctx)
			if err != nil {
				return err
			}
			s3Client, err := a.newS3Client(ctx)
			if err != nil {
				return err
			}

			money := ledger.New(a.redis, a.log)
			runs := runstore.New(a.db, a.log)
			store := objstore.NewS3(s3Client, a.cfg.ArtifactBucket, a.log)
			jobs := queue.NewSQS(sqsClient, a.cfg.JobQueueURL, a.log)
			guard := planguard.New(a.redis, planguard.NewSQLPlans(a.db), a.log)
			usageRec := usage.New(a.db, a.log)
			authn := auth.New(auth.NewSQLKeys(a.db), a.log)
			admitter := admission.New(runs, money, guard, jobs, a.log)

			server := api.New(admitter, runs, guard, store, usageRec, authn,
				[]api.Pinger{money, runs}, a.log)

			httpServer := &http.Server{
				Addr:         ":" + a.cfg.HTTPPort,
				Handler:      server.Router(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("port", a.cfg.HTTPPort).Msg("http server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.log.Info().Msg("shutdown signal received, draining")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.log.Error().Err(err).Msg("http server shutdown failed")
			}
			a.log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue-consuming execution slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("worker")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			sqsClient, err := a.newSQSClient(ctx)
			if err != nil {
				return err
			}
			s3Client, err := a.newS3Client(ctx)
			if err != nil {
				return err
			}

			money := ledger.New(a.redis, a.log)
			runs := runstore.New(a.db, a.log)
			store := objstore.NewS3(s3Client, a.cfg.ArtifactBucket, a.log)
			jobs := queue.NewSQS(sqsClient, a.cfg.JobQueueURL, a.log)
			usageRec := usage.New(a.db, a.log)
			finalizer := finalize.New(runs, money, usageRec, a.log)

			executors := worker.Registry{
				"decision_pack":  worker.StubExecutor{},
				"research_pack":  worker.StubExecutor{},
				"diligence_pack": worker.StubExecutor{},
			}

			a.log.Info().Int("concurrency", a.cfg.WorkerConcurrency).Msg("starting worker slots")

			var wg sync.WaitGroup
			for i := 0; i < a.cfg.WorkerConcurrency; i++ {
				w := worker.New(jobs, runs, finalizer, store, executors, a.cfg.ArtifactBucket, a.log)
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = w.Run(ctx)
				}()
			}

			wg.Wait()
			a.log.Info().Msg("all worker slots stopped")
			return nil
		},
	}
}

func newReaperCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reaper",
		Short: "Run the expired-lease supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("reaper")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			money := ledger.New(a.redis, a.log)
			runs := runstore.New(a.db, a.log)
			usageRec := usage.New(a.db, a.log)
			finalizer := finalize.New(runs, money, usageRec, a.log)

			err = reaper.New(runs, finalizer, a.log).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newReconcilerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconciler",
		Short: "Run the stuck-finalize recovery supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("reconciler")
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signalContext()
			defer stop()

			s3Client, err := a.newS3Client(ctx)
			if err != nil {
				return err
			}

			money := ledger.New(a.redis, a.log)
			runs := runstore.New(a.db, a.log)
			store := objstore.NewS3(s3Client, a.cfg.ArtifactBucket, a.log)
			usageRec := usage.New(a.db, a.log)
			finalizer := finalize.New(runs, money, usageRec, a.log)

			err = reconciler.New(runs, money, finalizer, store, a.cfg.ArtifactBucket, a.log).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
