package loggingutil

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger returns a logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// ApplyLevel restricts logger to level. An empty level leaves logger
// unchanged; "none", "off" and "disabled" silence it.
func ApplyLevel(logger pslog.Logger, level string) (pslog.Logger, error) {
	logger = EnsureLogger(logger)
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		return logger, nil
	case "none", "off", "disabled":
		return NoopLogger(), nil
	}
	parsed, ok := pslog.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	if parsed == pslog.NoLevel || parsed == pslog.Disabled {
		return NoopLogger(), nil
	}
	return logger.LogLevel(parsed), nil
}
