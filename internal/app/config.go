package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"paddlesync/server/internal/collision"
	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/observability"
	"paddlesync/server/internal/sim"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

// Settings is the process configuration resolved from the environment.
type Settings struct {
	Addr            string
	TickRate        int
	RespawnDuration time.Duration
	RecoveryDelay   time.Duration
	SeenEntries     int
	SeenAgeTicks    uint64
	Codec           string
	Logging         logging.Config
	Observability   observability.Config
}

// DefaultSettings returns the configuration used when no variables are set.
func DefaultSettings() Settings {
	return Settings{
		Addr:            ":8080",
		TickRate:        sim.DefaultLoopConfig().TickRate,
		RespawnDuration: lifecycle.DefaultRespawnDuration,
		RecoveryDelay:   lifecycle.DefaultRecoveryDelay,
		SeenEntries:     collision.DefaultSeenEntries,
		SeenAgeTicks:    collision.DefaultSeenAgeTicks,
		Codec:           proto.CodecJSON,
		Logging:         logging.DefaultConfig(),
		Observability: observability.Config{
			StatsviewAddr: observability.DefaultStatsviewAddr,
		},
	}
}

// LoadSettings overlays environment variables on the defaults. Invalid values
// are logged and ignored.
func LoadSettings(getenv func(string) string, logger telemetry.Logger) Settings {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	s := DefaultSettings()

	if raw := getenv("ADDR"); raw != "" {
		s.Addr = raw
	}
	if raw := getenv("TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			s.TickRate = value
		} else {
			logger.Printf("invalid TICK_RATE=%q: %v", raw, errOrRange(err))
		}
	}
	if raw := getenv("RESPAWN_SECONDS"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			s.RespawnDuration = time.Duration(value * float64(time.Second))
		} else {
			logger.Printf("invalid RESPAWN_SECONDS=%q: %v", raw, errOrRange(err))
		}
	}
	if raw := getenv("RECOVERY_MILLIS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			s.RecoveryDelay = time.Duration(value) * time.Millisecond
		} else {
			logger.Printf("invalid RECOVERY_MILLIS=%q: %v", raw, errOrRange(err))
		}
	}
	if raw := getenv("SEEN_EVENT_LIMIT"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			s.SeenEntries = value
		} else {
			logger.Printf("invalid SEEN_EVENT_LIMIT=%q: %v", raw, errOrRange(err))
		}
	}
	if raw := getenv("SEEN_EVENT_TICKS"); raw != "" {
		if value, err := strconv.ParseUint(raw, 10, 64); err == nil && value > 0 {
			s.SeenAgeTicks = value
		} else {
			logger.Printf("invalid SEEN_EVENT_TICKS=%q: %v", raw, errOrRange(err))
		}
	}
	if raw := getenv("WIRE_CODEC"); raw != "" {
		if _, err := proto.ParseCodec(raw); err == nil {
			s.Codec = strings.ToLower(strings.TrimSpace(raw))
		} else {
			logger.Printf("invalid WIRE_CODEC=%q: %v", raw, err)
		}
	}

	if raw := getenv("LOG_SINKS"); raw != "" {
		var sinks []string
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			switch name {
			case "":
			case "console", "json":
				sinks = append(sinks, name)
			default:
				logger.Printf("ignoring unknown log sink %q", name)
			}
		}
		if len(sinks) > 0 {
			s.Logging.EnabledSinks = sinks
		}
	}
	if raw := getenv("LOG_JSON_PATH"); raw != "" {
		s.Logging.JSON.FilePath = raw
	}
	if raw := getenv("LOG_MIN_SEVERITY"); raw != "" {
		if severity, ok := logging.ParseSeverity(raw); ok {
			s.Logging.MinimumSeverity = severity
		} else {
			logger.Printf("invalid LOG_MIN_SEVERITY=%q", raw)
		}
	}

	s.Observability.SentryDSN = getenv("SENTRY_DSN")
	s.Observability.SentryEnvironment = getenv("SENTRY_ENV")
	if raw := getenv("ENABLE_STATSVIEW"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			s.Observability.EnableStatsview = value
		} else {
			logger.Printf("invalid ENABLE_STATSVIEW=%q: %v", raw, err)
		}
	}
	if raw := getenv("STATSVIEW_ADDR"); raw != "" {
		s.Observability.StatsviewAddr = raw
	}
	return s
}

func errOrRange(err error) error {
	if err != nil {
		return err
	}
	return strconv.ErrRange
}
