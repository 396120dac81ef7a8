package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/exthost/config"
	"github.com/wippyai/exthost/errors"
	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/host"
	"github.com/wippyai/exthost/logging"
	"github.com/wippyai/exthost/readiness"
	"github.com/wippyai/exthost/transport"
)

const closeTimeout = 30 * time.Second

// serve runs the host and returns the process exit code. The endpoint URL is
// printed to stdout once the host is ready.
func serve(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		token := os.Getenv("EXTHOST_READY")
		if cfg != nil {
			token = cfg.Ready
		}
		failEarly(token, err)
		return 1
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		failEarly(cfg.Ready, err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	sig, err := readiness.New(cfg.Ready, log.Logger)
	if err != nil {
		log.Error("readiness token rejected", zap.Error(err))
		return 1
	}

	h, srv, err := start(ctx, cfg, log.Logger)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		if ferr := sig.Fail(err); ferr != nil {
			log.Warn("readiness signal failed", zap.Error(ferr))
		}
		return 1
	}

	fmt.Fprintln(stdout, srv.URL())
	if err := sig.Ready(); err != nil {
		log.Warn("readiness signal failed", zap.Error(err))
	}

	code := 0
	if err := run(ctx, cfg, log, h, srv); err != nil {
		log.Error("host stopped", zap.Error(err))
		code = 1
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := h.Close(closeCtx); err != nil {
		log.Warn("teardown reported errors", zap.Error(err))
	}
	return code
}

// failEarly reports a failure that happened before logging was set up.
func failEarly(token string, err error) {
	fmt.Fprintf(os.Stderr, "exthost: %v\n", err)
	sig, serr := readiness.New(token, nil)
	if serr != nil {
		return
	}
	_ = sig.Fail(err)
}

// start loads the extension, starts the host and binds the transport.
func start(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*host.Host, *transport.Server, error) {
	if cfg.Extension.Path == "" {
		return nil, nil, errors.Fatal(errors.PhaseConfig, "no extension module given", nil)
	}
	wasmBytes, err := os.ReadFile(cfg.Extension.Path)
	if err != nil {
		return nil, nil, errors.Fatal(errors.PhaseLoad, "read "+cfg.Extension.Path, err)
	}
	var witText string
	if cfg.Extension.WIT != "" {
		data, err := os.ReadFile(cfg.Extension.WIT)
		if err != nil {
			return nil, nil, errors.Fatal(errors.PhaseLoad, "read "+cfg.Extension.WIT, err)
		}
		witText = string(data)
	}

	h, err := host.New(ctx, wasmBytes, &host.Config{
		Logger: logger,
		Extension: &extension.Config{
			Name:             cfg.Extension.Name,
			ABIConstraint:    cfg.Extension.ABIConstraint,
			WIT:              witText,
			MemoryLimitPages: cfg.Extension.MemoryPages,
		},
		Workers:          cfg.Workers.Count,
		QueueDepth:       cfg.Workers.QueueDepth,
		IdleTimeout:      cfg.Lifetime.IdleTimeout.Duration(),
		NormalInterval:   cfg.Lifetime.NormalInterval.Duration(),
		ShutdownInterval: cfg.Lifetime.ShutdownInterval.Duration(),
		ScopeIdle:        cfg.Lifetime.ScopeIdle.Duration(),
	})
	if err != nil {
		return nil, nil, err
	}

	srv := transport.NewServer(h, &transport.Config{
		Logger:    logger,
		Addr:      cfg.Server.Addr,
		Path:      cfg.Server.Path,
		ReadLimit: cfg.Server.ReadLimit,
	})
	if err := srv.Bind(); err != nil {
		_ = h.Close(ctx)
		return nil, nil, err
	}
	return h, srv, nil
}

// run serves until the lifetime controller allows exit, then closes the
// transport. SIGINT and SIGTERM request a graceful shutdown; a second signal
// stops waiting for in-flight work.
func run(ctx context.Context, cfg *config.Config, log *logging.Logger, h *host.Host, srv *transport.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(srv.Serve)

	g.Go(func() error {
		reason, err := h.Lifetime().WaitForIdleOrShutdown(runCtx, -1)
		log.Info("exiting", zap.Stringer("reason", reason), zap.NamedError("wait", err))
		stop()

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := srv.Close(closeCtx); err != nil {
			log.Warn("transport close failed", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		signals := make(chan os.Signal, 2)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)

		for n := 0; ; n++ {
			select {
			case <-runCtx.Done():
				return nil
			case s := <-signals:
				if n > 0 {
					log.Warn("second signal, not waiting for idle", zap.Stringer("signal", s))
					stop()
					return nil
				}
				log.Info("shutdown requested", zap.Stringer("signal", s))
				h.Shutdown()
			}
		}
	})

	g.Go(func() error {
		err := config.Watch(runCtx, cfg, log.Logger, func(next *config.Config) {
			h.Lifetime().SetIdleTimeout(next.Lifetime.IdleTimeout.Duration())
			if err := log.SetLevel(next.Logging.Level); err != nil {
				log.Warn("log level not changed", zap.Error(err))
			}
		})
		if err != nil {
			log.Warn("config reload disabled", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
