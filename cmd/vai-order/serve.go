package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-order/pkg/gateway/config"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	buildApp     func(context.Context, config.Config, *slog.Logger) (*app, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig: config.LoadFromEnv,
		buildApp:   buildApp,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), stderr, deps)
		},
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildApp == nil {
		return errors.New("missing buildApp dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, stderr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := deps.buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer a.Close()

	a.sessions.Start(ctx)
	httpSrv := buildHTTPServer(cfg, a.server.Handler())

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting vai-order", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.temp != nil {
			a.temp.Run(gctx, cfg.TempRetention/2)
		}
		return nil
	})
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return drain(cfg, logger, a, httpSrv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("vai-order stopped")
	return nil
}

// drain stops accepting work, warns open sockets, waits up to the grace
// period for them to leave and then closes what remains.
func drain(cfg config.Config, logger *slog.Logger, a *app, httpSrv *http.Server) error {
	a.lifecycle.SetDraining(true)
	if n := a.conns.NotifyAll("draining", "server is shutting down"); n > 0 {
		logger.Info("notified realtime connections", "count", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	shutdownErr := httpSrv.Shutdown(shutdownCtx)

	if !a.conns.Wait(shutdownCtx) {
		n := a.conns.CloseAll("shutdown")
		logger.Warn("closed realtime connections after grace period", "count", n)
	}
	if a.bridge != nil {
		a.bridge.Shutdown()
	}
	a.sessions.Shutdown()

	if shutdownErr != nil {
		return fmt.Errorf("shutdown http server: %w", shutdownErr)
	}
	return nil
}
