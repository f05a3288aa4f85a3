package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/bridge"
	"github.com/michaelbrown/runbox/internal/dispatcher"
	"github.com/michaelbrown/runbox/internal/notifier"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and a dispatcher",
	Long: `Start the runbox HTTP server (REST API, status and interactive streams)
together with a batch dispatcher under one process.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(true, true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the batch dispatcher",
	Long: `Run a batch dispatcher that pops jobs from the shared queue.
Any number of workers may consume the same queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(false, true)
	},
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run only the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(true, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{serveCmd, gatewayCmd} {
		c.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	}
	rootCmd.AddCommand(serveCmd, workerCmd, gatewayCmd)
}

func run(withServer, withDispatcher bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if withDispatcher {
		d, err := newDispatcher(ctx, a)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}

	if withServer {
		limits := a.cfg.Limits()
		br := bridge.New(a.store, a.languages, a.engine, limits, &a.logger)
		n := notifier.New(a.store, &a.logger)
		srv := server.New(a.store, a.languages, br, n, server.Options{
			Rate:  a.cfg.Server.Rate,
			Burst: a.cfg.Server.Burst,
		}, &a.logger)

		port := a.cfg.Server.Port
		if portFlag > 0 {
			port = portFlag
		}

		go func() {
			if err := srv.Start(port); err != nil {
				errCh <- fmt.Errorf("server: %w", err)
				stop()
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			if err := srv.Shutdown(context.Background()); err != nil {
				a.logger.Warn().Err(err).Msg("server shutdown")
			}
		}()
	}

	wg.Wait()
	a.logger.Info().Msg("runbox stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func newDispatcher(ctx context.Context, a *app) (*dispatcher.Dispatcher, error) {
	if err := os.MkdirAll(a.cfg.Sandbox.WorkDir, 0o777); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	controller := sandbox.NewController(a.engine, a.languages, a.cfg.Workspaces(), a.cfg.Policy(), &a.logger)

	opts := dispatcher.Options{
		Name:       a.cfg.Dispatcher.Name,
		RetryDelay: a.cfg.Dispatcher.RetryDelay,
	}

	ledger, err := sqlite.OpenExclusive(a.cfg.History.DBPath)
	switch {
	case errors.Is(err, sqlite.ErrLedgerLocked):
		a.logger.Warn().Str("path", a.cfg.History.DBPath).
			Msg("execution history disabled: another dispatcher owns this ledger; give each worker its own history.db_path")
	case err != nil:
		a.logger.Warn().Err(err).Str("path", a.cfg.History.DBPath).Msg("execution history disabled")
	default:
		a.closers = append(a.closers, ledger.Close)
		opts.Recorder = ledger
	}

	d := dispatcher.New(a.store, controller, opts, &a.logger)

	if a.cfg.Dispatcher.Recover && opts.Recorder != nil {
		n, err := d.Recover(ctx)
		if err != nil {
			a.logger.Error().Err(err).Msg("recovering unfinished jobs")
		} else if n > 0 {
			a.logger.Info().Int("count", n).Msg("re-queued unfinished jobs")
		}
	}
	return d, nil
}
