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

	"paddlesync/server/internal/hub"
	servernet "paddlesync/server/internal/net"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/observability"
	"paddlesync/server/internal/sim"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
	loggingSinks "paddlesync/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger telemetry.Logger
	// Getenv overrides os.Getenv.
	Getenv func(string) string
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings := LoadSettings(cfg.Getenv, telemetryLogger)

	sinks, closeSinks, err := buildSinks(settings.Logging)
	if err != nil {
		return err
	}
	defer closeSinks()

	router, err := logging.NewRouter(settings.Logging, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	shutdownObservability, err := observability.Setup(settings.Observability, telemetryLogger)
	if err != nil {
		return fmt.Errorf("failed to set up observability: %w", err)
	}
	defer shutdownObservability()

	codec, err := proto.ParseCodec(settings.Codec)
	if err != nil {
		return err
	}

	metrics := telemetry.WrapMetrics(router.Metrics())
	loopCfg := sim.DefaultLoopConfig()
	loopCfg.TickRate = settings.TickRate

	h, err := hub.New(hub.Config{
		Engine: sim.EngineConfig{
			RespawnDuration: settings.RespawnDuration,
			RecoveryDelay:   settings.RecoveryDelay,
			SeenEntries:     settings.SeenEntries,
			SeenAgeTicks:    settings.SeenAgeTicks,
		},
		Loop:      loopCfg,
		Codec:     codec,
		Logger:    telemetryLogger,
		Metrics:   metrics,
		Publisher: router,
	})
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go h.Run(runCtx)

	handler := servernet.NewHTTPHandler(h, servernet.HTTPHandlerConfig{
		Logger:    telemetryLogger,
		Metrics:   metrics,
		Telemetry: router.Metrics().Snapshot,
	})

	srv := &http.Server{Addr: settings.Addr, Handler: handler}
	telemetryLogger.Printf("server listening on %s session=%s codec=%s tickRate=%d", srv.Addr, h.Session(), codec.Name(), settings.TickRate)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

func buildSinks(cfg logging.Config) (map[string]logging.Sink, func(), error) {
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsoleSink(os.Stdout, cfg.Console),
	}
	closer := func() {}
	if cfg.HasSink("json") {
		var w io.Writer = os.Stdout
		if cfg.JSON.FilePath != "" {
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, closer, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
			}
			w = file
			closer = func() { file.Close() }
		}
		sinks["json"] = loggingSinks.NewJSON(w, cfg.JSON.FlushInterval)
	}
	return sinks, closer, nil
}
