// Package logging wraps go-kit/log with the leveled, structured logger
// used across every serindb package.
package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/SeleniaProject/serindb/internal/config"
)

// New returns a JSON logger writing to stderr, timestamped and annotated
// with its caller, filtered to the given level name ("debug", "info",
// "warn", "error"; an unrecognized or empty name defaults to "info").
func New(levelName string) log.Logger {
	base := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(base, filterOption(levelName))
}

// NewFromConfig builds a logger using cfg's LogLevel.
func NewFromConfig(cfg config.EngineConfig) log.Logger {
	return New(cfg.LogLevel)
}

func filterOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component(base, "bufferpool").
func Component(base log.Logger, name string) log.Logger {
	return log.With(base, "component", name)
}
