package simulation

import (
	"context"

	"paddlesync/server/logging"
)

const (
	// EventTickBudgetOverrun is emitted when a replication step runs longer than one tick interval.
	EventTickBudgetOverrun logging.EventType = "simulation.tick_budget_overrun"
	// EventTickBudgetAlarm is emitted once an overrun streak reaches the alarm threshold.
	EventTickBudgetAlarm logging.EventType = "simulation.tick_budget_alarm"
)

// TickBudgetOverrunPayload captures timing for one slow step.
type TickBudgetOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
	Commands       int     `json:"commands"`
	Outbound       int     `json:"outbound"`
}

// TickBudgetOverrun publishes a warning for a step that exceeded its budget.
func TickBudgetOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetOverrunPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetOverrun,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: "authority", Kind: logging.EntityKindAuthority},
		Severity: logging.SeverityWarn,
		Category: "simulation",
		Payload:  payload,
	})
}

// TickBudgetAlarmPayload captures a sustained overrun streak.
type TickBudgetAlarmPayload struct {
	Streak          uint64  `json:"streak"`
	ThresholdStreak uint64  `json:"thresholdStreak"`
	Ratio           float64 `json:"ratio"`
}

// TickBudgetAlarm publishes an error when overruns persist.
func TickBudgetAlarm(ctx context.Context, pub logging.Publisher, tick uint64, payload TickBudgetAlarmPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickBudgetAlarm,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: "authority", Kind: logging.EntityKindAuthority},
		Severity: logging.SeverityError,
		Category: "simulation",
		Payload:  payload,
	})
}
