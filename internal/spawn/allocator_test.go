package spawn

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

func newTestAllocator(t *testing.T) (*Allocator, *logging.Metrics) {
	t.Helper()
	points, fallback := DefaultLayout()
	metrics := &logging.Metrics{}
	alloc, err := NewAllocator(points, fallback, telemetry.WrapMetrics(metrics))
	if err != nil {
		t.Fatalf("failed to construct allocator: %v", err)
	}
	return alloc, metrics
}

func TestAcquireMatchesTeam(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	point, ok := alloc.Acquire(TeamB)
	if !ok {
		t.Fatalf("expected a team B point")
	}
	if point.Team != TeamB || !point.Occupied {
		t.Fatalf("unexpected point: %+v", point)
	}
	if point.ID != "b-left" {
		t.Fatalf("expected configuration order, got %q", point.ID)
	}
}

func TestAcquireNeverHandsOutOccupiedPoint(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		point, ok := alloc.Acquire(TeamAny)
		if !ok {
			t.Fatalf("expected point %d to be available", i)
		}
		if seen[point.ID] {
			t.Fatalf("point %q handed out twice", point.ID)
		}
		seen[point.ID] = true
	}
	if _, ok := alloc.Acquire(TeamAny); ok {
		t.Fatalf("expected layout to be exhausted")
	}
	if got := alloc.Occupied(); got != 4 {
		t.Fatalf("expected 4 occupied, got %d", got)
	}
}

func TestAcquireWithFallback(t *testing.T) {
	alloc, metrics := newTestAllocator(t)

	for _, want := range []string{"a-left", "a-right"} {
		point, source := alloc.AcquireWithFallback(TeamA)
		if source != SourceTeam || point.ID != want {
			t.Fatalf("expected %s from team, got %s from %s", want, point.ID, source)
		}
	}

	point, source := alloc.AcquireWithFallback(TeamA)
	if source != SourceAny || point.Team != TeamB {
		t.Fatalf("expected fallback to other team, got %+v from %s", point, source)
	}
	alloc.AcquireWithFallback(TeamA)

	point, source = alloc.AcquireWithFallback(TeamA)
	if source != SourceDefault || point.ID != "default" {
		t.Fatalf("expected default point, got %+v from %s", point, source)
	}
	point, source = alloc.AcquireWithFallback(TeamB)
	if source != SourceDefault {
		t.Fatalf("expected default point to be reusable, got %s", source)
	}
	if point.Occupied {
		t.Fatalf("default point must never be marked occupied")
	}

	snapshot := metrics.Snapshot()
	if snapshot[metricSpawnFallbackAny] != 2 {
		t.Fatalf("expected 2 any-fallbacks, got %d", snapshot[metricSpawnFallbackAny])
	}
	if snapshot[metricSpawnFallbackDefault] != 2 {
		t.Fatalf("expected 2 default fallbacks, got %d", snapshot[metricSpawnFallbackDefault])
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	point, _ := alloc.Acquire(TeamA)

	if !alloc.Release(point.ID) {
		t.Fatalf("expected first release to free the point")
	}
	if alloc.Release(point.ID) {
		t.Fatalf("expected second release to be a no-op")
	}
	if alloc.Release("default") || alloc.Release("missing") {
		t.Fatalf("expected unknown ids to be ignored")
	}

	again, ok := alloc.Acquire(TeamA)
	if !ok || again.ID != point.ID {
		t.Fatalf("expected released point to be reacquired, got %+v", again)
	}
}

func TestAnyAffinityPointServesBothTeams(t *testing.T) {
	alloc, err := NewAllocator([]Point{
		{ID: "centre", Position: mgl32.Vec3{0, 0, 0}},
		{ID: "north", Team: TeamB},
	}, Point{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	point, ok := alloc.Acquire(TeamB)
	if !ok || point.ID != "north" {
		t.Fatalf("expected exact affinity to win, got %+v", point)
	}
	point, ok = alloc.Acquire(TeamA)
	if !ok || point.ID != "centre" {
		t.Fatalf("expected any-affinity point for team A, got %+v", point)
	}
	if point.Rotation != mgl32.QuatIdent() {
		t.Fatalf("expected zero rotation to normalize to identity")
	}
}

func TestNewAllocatorRejectsBadLayouts(t *testing.T) {
	cases := map[string][]Point{
		"missing id": {{ID: ""}},
		"duplicate":  {{ID: "x"}, {ID: "x"}},
		"default id": {{ID: "default"}},
	}
	for name, points := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewAllocator(points, Point{}, nil); err == nil {
				t.Fatalf("expected layout to be rejected")
			}
		})
	}
}

func TestParseTeam(t *testing.T) {
	cases := map[string]Team{"a": TeamA, " B ": TeamB, "": TeamAny, "any": TeamAny}
	for raw, want := range cases {
		got, ok := ParseTeam(raw)
		if !ok || got != want {
			t.Fatalf("ParseTeam(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParseTeam("C"); ok {
		t.Fatalf("expected unknown team to be rejected")
	}
}
