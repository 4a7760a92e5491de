package env

import (
	"fmt"
	"log/slog"
	"strings"
)

// LogLevel returns the level named by LOG_LEVEL, or fallback when it is
// unset. Values use slog's text form ("debug", "WARN", "info+2"); "warning"
// is accepted as an alias for "warn". Anything else is an error so a typo
// does not silently change verbosity.
func LogLevel(fallback slog.Level) (slog.Level, error) {
	raw := strings.TrimSpace(Get("LOG_LEVEL", ""))
	if raw == "" {
		return fallback, nil
	}
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
	}
	return level, nil
}
