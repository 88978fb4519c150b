package command

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/fieldgate/acqengine/config"
	"github.com/fieldgate/acqengine/engine"
	"github.com/fieldgate/acqengine/internal/tsdb"
	"github.com/fieldgate/acqengine/pkg/httpapi"
	"github.com/fieldgate/acqengine/pkg/log"
)

func cmdValidate(cliCtx *cli.Context) error {
	fleet, err := config.LoadFleet(configPath)
	if err != nil {
		return err
	}
	errs := config.Validate(fleet)
	if len(errs) == 0 {
		fmt.Printf("%s: %d device(s) valid\n", configPath, len(fleet))
		return nil
	}
	for _, e := range errs {
		fmt.Printf("%s: %s\n", e.Path, e.Message)
	}
	return cli.NewExitError(fmt.Sprintf("%d violation(s)", len(errs)), 1)
}

func cmdRun(cliCtx *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := log.CreateLogger(zapLvl, logFile)
	defer logger.Sync()

	fleet, err := config.LoadFleet(configPath)
	if err != nil {
		return err
	}

	var writer *tsdb.Writer
	if tsdbWriteURL != "" {
		backend := tsdb.NewHTTPBackend(tsdbWriteURL, tsdbToken)
		writer = tsdb.New(backend, 500, 10*time.Second, logger)
	}

	e := engine.New(engine.Options{
		Logger:               logger,
		Writer:               writer,
		MaxConcurrentDevices: maxConcurrentDevices,
		MetricsRegisterer:    prometheus.DefaultRegisterer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx, fleet); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	router := httpapi.NewRouter(e)
	httpServer := &http.Server{Addr: listenAddress, Handler: router}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Infow("control api listening", "address", listenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-serverErrCh:
		logger.Errorw("control api listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("control api shutdown did not complete cleanly", "error", err)
	}

	e.Stop()
	return nil
}
