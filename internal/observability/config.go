// Package observability wires crash reporting and the runtime stats viewer.
package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	"paddlesync/server/internal/telemetry"
)

// DefaultStatsviewAddr is where the runtime charts are served when enabled.
const DefaultStatsviewAddr = "localhost:18066"

const flushTimeout = 5 * time.Second

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	SentryDSN         string
	SentryEnvironment string
	EnableStatsview   bool
	StatsviewAddr     string
}

// Setup initialises the configured integrations and returns the function that
// shuts them down.
func Setup(cfg Config, logger telemetry.Logger) (func(), error) {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	var closers []func()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			AttachStacktrace: true,
		}); err != nil {
			return func() {}, fmt.Errorf("sentry init: %w", err)
		}
		closers = append(closers, func() { sentry.Flush(flushTimeout) })
		logger.Printf("sentry reporting enabled environment=%q", cfg.SentryEnvironment)
	}

	if cfg.EnableStatsview {
		addr := cfg.StatsviewAddr
		if addr == "" {
			addr = DefaultStatsviewAddr
		}
		// set configurations before calling `statsview.New()` method
		viewer.SetConfiguration(viewer.WithTheme(viewer.ThemeWesteros), viewer.WithAddr(addr))
		mgr := statsview.New()
		go mgr.Start()
		closers = append(closers, mgr.Stop)
		logger.Printf("statsview listening on %s", addr)
	}

	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

// ReportPanic forwards a recovered panic to Sentry with the given scope tags.
// It is a no-op when Sentry was never initialised.
func ReportPanic(recovered any, tags map[string]string) {
	if recovered == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
	})
	hub.Recover(fmt.Errorf("%v", recovered))
	hub.Flush(flushTimeout)
}
