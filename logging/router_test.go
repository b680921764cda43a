package logging_test

import (
	"context"
	"testing"
	"time"

	"paddlesync/server/logging"
	logginglifecycle "paddlesync/server/logging/lifecycle"
	"paddlesync/server/logging/sinks"
)

func newMemoryRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.MemorySink) {
	t.Helper()
	memory := sinks.NewMemorySink()
	cfg.EnabledSinks = []string{"memory"}
	clock := logging.ClockFunc(func() time.Time { return time.Unix(100, 0) })
	router, err := logging.NewRouter(cfg, clock, nil, map[string]logging.Sink{"memory": memory})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	return router, memory
}

func TestRouterDeliversToSinks(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"session": "session-1"}
	router, memory := newMemoryRouter(t, cfg)

	logginglifecycle.PlayerKnockedOut(context.Background(), router, 7, logging.PlayerRef("alice"), logginglifecycle.KnockedOutPayload{CountdownSeconds: 6})
	router.Publish(context.Background(), logging.Event{})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	events := memory.EventsOfType(logginglifecycle.EventPlayerKnockedOut)
	if len(events) != 1 {
		t.Fatalf("expected one knockout event, got %d", len(memory.Events()))
	}
	event := events[0]
	if event.Tick != 7 || event.Actor.ID != "alice" || event.Actor.Kind != logging.EntityKindPlayer {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Time.Equal(time.Unix(100, 0)) {
		t.Fatalf("expected clock time to be stamped, got %v", event.Time)
	}
	if event.Extra["session"] != "session-1" {
		t.Fatalf("expected router fields to be attached, got %+v", event.Extra)
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("expected one routed event, got %+v", stats)
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router, memory := newMemoryRouter(t, cfg)

	ctx := context.Background()
	router.Publish(ctx, logging.Event{Type: "test.info", Severity: logging.SeverityInfo})
	router.Publish(ctx, logging.Event{Type: "test.warn", Severity: logging.SeverityWarn})
	router.Publish(ctx, logging.Event{Type: "test.error", Severity: logging.SeverityError})

	if err := router.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	got := memory.Events()
	if len(got) != 2 || got[0].Type != "test.warn" || got[1].Type != "test.error" {
		t.Fatalf("expected warn and error only, got %+v", got)
	}

	router.Publish(ctx, logging.Event{Type: "test.after_close", Severity: logging.SeverityError})
	if len(memory.Events()) != 2 {
		t.Fatalf("events published after close must be ignored")
	}
}

func TestRouterRejectsMissingSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", "json"}
	if _, err := logging.NewRouter(cfg, nil, nil, map[string]logging.Sink{"console": sinks.NewMemorySink()}); err == nil {
		t.Fatalf("expected error for an enabled sink without an implementation")
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]logging.Severity{
		"debug":   logging.SeverityDebug,
		" INFO ":  logging.SeverityInfo,
		"warning": logging.SeverityWarn,
		"error":   logging.SeverityError,
	}
	for raw, want := range cases {
		got, ok := logging.ParseSeverity(raw)
		if !ok || got != want {
			t.Fatalf("ParseSeverity(%q) = %v %v, want %v", raw, got, ok, want)
		}
	}
	if _, ok := logging.ParseSeverity("loud"); ok {
		t.Fatalf("expected unknown severity to be rejected")
	}
}
