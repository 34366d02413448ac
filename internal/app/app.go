// Package app wires the relay binary together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"colocate/internal/config"
	servernet "colocate/internal/net"
	"colocate/internal/relay"
	"colocate/internal/telemetry"
	"colocate/logging"
	loggingSinks "colocate/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

// BuildRouter constructs the structured event router for cfg. The returned
// closer releases any log file once the router has been closed.
func BuildRouter(cfg config.Config) (*logging.Router, io.Closer, error) {
	logCfg := cfg.Logging()
	var named []logging.NamedSink
	var file *os.File
	if logCfg.SinkEnabled("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsole(os.Stdout)})
	}
	if logCfg.SinkEnabled("json") {
		out := io.Writer(os.Stdout)
		if logCfg.JSON.FilePath != "" {
			var err error
			file, err = os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			out = file
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(out, logCfg.JSON.FlushInterval)})
	}
	router := logging.NewRouter(logging.ClockFunc(time.Now), logCfg, named)
	closer := io.Closer(nopCloser{})
	if file != nil {
		closer = file
	}
	return router, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Run serves the relay until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	logger := telemetry.WrapLogger(log.Default())

	router, logFile, err := BuildRouter(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
		logFile.Close()
	}()

	counters := &telemetry.Counters{}
	hub, err := relay.NewHub(cfg.Relay(), relay.Deps{
		Publisher: router,
		Logger:    logger,
		Metrics:   counters,
	})
	if err != nil {
		return err
	}

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:   logger,
		Counters: counters,
		LogStats: router.Stats,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	g.Go(func() error {
		hub.Run(stop)
		return nil
	})
	g.Go(func() error {
		logger.Printf("relay listening on %s (%d ticks/s, %d objects)", srv.Addr, cfg.TickRate, len(cfg.Objects))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		close(stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
