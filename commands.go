package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Dalcio/pixelforge/api"
	"github.com/Dalcio/pixelforge/models"
	"github.com/Dalcio/pixelforge/services"
	"github.com/Dalcio/pixelforge/worker"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:           "pixelforge",
		Short:         "Asynchronous image transformation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = loadApp()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close()
			}
		},
	}

	current := func() *app { return a }
	root.AddCommand(
		newServeCmd(current, true, true),
		newServeCmd(current, true, false),
		newServeCmd(current, false, true),
		newMigrateCmd(current),
		newSubmitCmd(current),
		newStatusCmd(current),
		newRetryCmd(current),
	)
	return root
}

// newServeCmd builds serve (API and workers), api or worker.
func newServeCmd(current func() *app, withAPI, withWorkers bool) *cobra.Command {
	use, short := "serve", "Run the HTTP API and the worker pool"
	switch {
	case withAPI && !withWorkers:
		use, short = "api", "Run the HTTP API only"
	case !withAPI && withWorkers:
		use, short = "worker", "Run the worker pool only"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)

			if withWorkers {
				pool, err := a.pool(ctx)
				if err != nil {
					return err
				}
				g.Go(func() error {
					return runPool(gctx, pool, a.logger)
				})
			}

			if withAPI {
				jobs, err := a.jobService(ctx)
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              a.cfg.HTTPAddr,
					Handler:           api.NewRouter(api.NewHandler(jobs, a.logger), a.logger),
					ReadHeaderTimeout: 10 * time.Second,
				}
				g.Go(func() error {
					a.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			a.logger.Info("Service is ready", zap.String("mode", use), zap.String("queue", a.cfg.PendingQueue))
			err := g.Wait()
			a.logger.Info("Service stopped")
			return err
		},
	}
}

// runPool stops the pool when ctx ends and waits up to shutdownTimeout for
// in-flight jobs.
func runPool(ctx context.Context, pool *worker.Pool, logger *zap.Logger) error {
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping workers")
	select {
	case <-done:
		logger.Info("All workers stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Shutdown timeout, abandoning in-flight jobs")
	}
	return nil
}

func newMigrateCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store applies the schema.
			if _, err := current().database(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func newSubmitCmd(current func() *app) *cobra.Command {
	var (
		width, height, rotate, quality int
		blur                           float64
		grayscale, sharpen, flip, flop bool
	)

	cmd := &cobra.Command{
		Use:   "submit <input-url>",
		Short: "Submit an image transformation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var t models.Transformations
			if flags.Changed("width") {
				t.Width = &width
			}
			if flags.Changed("height") {
				t.Height = &height
			}
			if flags.Changed("rotate") {
				t.Rotate = &rotate
			}
			if flags.Changed("quality") {
				t.Quality = &quality
			}
			if flags.Changed("blur") {
				t.Blur = &blur
			}
			if flags.Changed("grayscale") {
				t.Grayscale = &grayscale
			}
			if flags.Changed("sharpen") {
				t.Sharpen = &sharpen
			}
			if flags.Changed("flip") {
				t.Flip = &flip
			}
			if flags.Changed("flop") {
				t.Flop = &flop
			}

			req := services.CreateJobRequest{InputURL: args[0]}
			if !t.IsEmpty() {
				req.Transformations = &t
			}

			jobs, err := current().jobService(cmd.Context())
			if err != nil {
				return err
			}
			job, err := jobs.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}

	f := cmd.Flags()
	f.IntVar(&width, "width", 0, "maximum output width (1-4000)")
	f.IntVar(&height, "height", 0, "maximum output height (1-4000)")
	f.IntVar(&rotate, "rotate", 0, "clockwise rotation: 0, 90, 180 or 270")
	f.IntVar(&quality, "quality", 85, "JPEG quality (1-100)")
	f.Float64Var(&blur, "blur", 0, "gaussian blur sigma (0-10)")
	f.BoolVar(&grayscale, "grayscale", false, "convert to grayscale")
	f.BoolVar(&sharpen, "sharpen", false, "sharpen the image")
	f.BoolVar(&flip, "flip", false, "mirror vertically")
	f.BoolVar(&flop, "flop", false, "mirror horizontally")
	return cmd
}

func newStatusCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := current().database(cmd.Context())
			if err != nil {
				return err
			}
			job, err := db.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func newRetryCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := current().jobService(cmd.Context())
			if err != nil {
				return err
			}
			job, err := jobs.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
