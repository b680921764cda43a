// Package spawn assigns spawn locations to players. It is authority-only state
// and is driven exclusively from the simulation goroutine.
package spawn

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/samber/lo"

	"paddlesync/server/internal/telemetry"
)

const (
	metricSpawnFallbackAny     = "spawn_fallback_any_total"
	metricSpawnFallbackDefault = "spawn_fallback_default_total"
	metricSpawnOccupied        = "spawn_occupied"
)

// Team is a player's side. The zero value matches any affinity.
type Team string

const (
	TeamAny Team = ""
	TeamA   Team = "A"
	TeamB   Team = "B"
)

// ParseTeam normalizes a textual team name.
func ParseTeam(raw string) (Team, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ANY":
		return TeamAny, true
	case "A":
		return TeamA, true
	case "B":
		return TeamB, true
	default:
		return TeamAny, false
	}
}

// Point is a predefined placement a player may be teleported to.
type Point struct {
	ID       string     `json:"id"`
	Position mgl32.Vec3 `json:"position"`
	Rotation mgl32.Quat `json:"rotation"`
	Team     Team       `json:"team"`
	Occupied bool       `json:"occupied"`
}

func (p Point) matches(team Team) bool {
	return team == TeamAny || p.Team == TeamAny || p.Team == team
}

// Source reports which stage of the fallback chain produced a point.
type Source int

const (
	SourceTeam Source = iota
	SourceAny
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceTeam:
		return "team"
	case SourceAny:
		return "any"
	case SourceDefault:
		return "default"
	default:
		return "unknown"
	}
}

// Allocator hands out unoccupied points in configuration order.
type Allocator struct {
	points   []Point
	index    map[string]int
	fallback Point
	metrics  telemetry.Metrics
}

// NewAllocator validates the layout. Point ids must be unique and non-empty;
// the fallback point is never marked occupied.
func NewAllocator(points []Point, fallback Point, metrics telemetry.Metrics) (*Allocator, error) {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	a := &Allocator{
		points:   make([]Point, 0, len(points)),
		index:    make(map[string]int, len(points)),
		fallback: fallback,
		metrics:  metrics,
	}
	if a.fallback.ID == "" {
		a.fallback.ID = "default"
	}
	if a.fallback.Rotation == (mgl32.Quat{}) {
		a.fallback.Rotation = mgl32.QuatIdent()
	}
	a.fallback.Occupied = false
	for _, p := range points {
		if p.ID == "" {
			return nil, fmt.Errorf("spawn point without id")
		}
		if p.ID == a.fallback.ID {
			return nil, fmt.Errorf("spawn point %q collides with the default point", p.ID)
		}
		if _, exists := a.index[p.ID]; exists {
			return nil, fmt.Errorf("duplicate spawn point %q", p.ID)
		}
		if p.Rotation == (mgl32.Quat{}) {
			p.Rotation = mgl32.QuatIdent()
		}
		p.Occupied = false
		a.index[p.ID] = len(a.points)
		a.points = append(a.points, p)
	}
	return a, nil
}

// Acquire returns an unoccupied point matching team and marks it occupied.
// Points whose affinity equals the team are preferred over any-affinity points.
func (a *Allocator) Acquire(team Team) (Point, bool) {
	if a == nil {
		return Point{}, false
	}
	if team != TeamAny {
		if idx, ok := a.find(func(p Point) bool { return p.Team == team }); ok {
			return a.take(idx), true
		}
	}
	if idx, ok := a.find(func(p Point) bool { return p.matches(team) }); ok {
		return a.take(idx), true
	}
	return Point{}, false
}

// AcquireWithFallback never fails: team match, then any unoccupied point,
// then the default point.
func (a *Allocator) AcquireWithFallback(team Team) (Point, Source) {
	if point, ok := a.Acquire(team); ok {
		return point, SourceTeam
	}
	if a == nil {
		return Point{ID: "default", Rotation: mgl32.QuatIdent()}, SourceDefault
	}
	if idx, ok := a.find(func(Point) bool { return true }); ok {
		a.metrics.Add(metricSpawnFallbackAny, 1)
		return a.take(idx), SourceAny
	}
	a.metrics.Add(metricSpawnFallbackDefault, 1)
	return a.fallback, SourceDefault
}

// Release frees a point. Unknown ids, the default point, and already-free
// points are ignored.
func (a *Allocator) Release(id string) bool {
	if a == nil {
		return false
	}
	idx, ok := a.index[id]
	if !ok || !a.points[idx].Occupied {
		return false
	}
	a.points[idx].Occupied = false
	a.storeOccupancy()
	return true
}

// Points returns a copy of the layout with current occupancy.
func (a *Allocator) Points() []Point {
	if a == nil {
		return nil
	}
	return lo.Map(a.points, func(p Point, _ int) Point { return p })
}

// Occupied counts held points.
func (a *Allocator) Occupied() int {
	if a == nil {
		return 0
	}
	return lo.CountBy(a.points, func(p Point) bool { return p.Occupied })
}

// Default returns the point used once the layout is exhausted.
func (a *Allocator) Default() Point {
	if a == nil {
		return Point{}
	}
	return a.fallback
}

func (a *Allocator) find(pred func(Point) bool) (int, bool) {
	for i, p := range a.points {
		if !p.Occupied && pred(p) {
			return i, true
		}
	}
	return -1, false
}

func (a *Allocator) take(idx int) Point {
	a.points[idx].Occupied = true
	a.storeOccupancy()
	return a.points[idx]
}

func (a *Allocator) storeOccupancy() {
	a.metrics.Store(metricSpawnOccupied, uint64(a.Occupied()))
}

// DefaultLayout is a two-a-side arena: team A faces +Z from the south end,
// team B faces -Z from the north end.
func DefaultLayout() ([]Point, Point) {
	facingNorth := mgl32.QuatIdent()
	facingSouth := mgl32.QuatRotate(mgl32.DegToRad(180), mgl32.Vec3{0, 1, 0})
	points := []Point{
		{ID: "a-left", Position: mgl32.Vec3{-1, 0, -4}, Rotation: facingNorth, Team: TeamA},
		{ID: "a-right", Position: mgl32.Vec3{1, 0, -4}, Rotation: facingNorth, Team: TeamA},
		{ID: "b-left", Position: mgl32.Vec3{1, 0, 4}, Rotation: facingSouth, Team: TeamB},
		{ID: "b-right", Position: mgl32.Vec3{-1, 0, 4}, Rotation: facingSouth, Team: TeamB},
	}
	fallback := Point{ID: "default", Position: mgl32.Vec3{0, 0, -6}, Rotation: facingNorth}
	return points, fallback
}
