package sniproxy

import (
	"fmt"
	"os"
	"strings"

	"github.com/mongodb/slogger/v2/slogger"
)

// LogLevelEnvVar overrides the configured log level when set.
const LogLevelEnvVar = "SNIPROXY_LOG_LEVEL"

func ParseLogLevel(s string) (slogger.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return slogger.OFF, nil
	case "trace":
		return slogger.TRACE, nil
	case "debug":
		return slogger.DEBUG, nil
	case "info":
		return slogger.INFO, nil
	case "warn", "warning":
		return slogger.WARN, nil
	case "error":
		return slogger.ERROR, nil
	}
	return slogger.OFF, fmt.Errorf("unknown log level %q, want one of off, trace, debug, info, warn, error", s)
}

// LogLevelFromEnv returns the level named by LogLevelEnvVar, or def if the
// variable is unset.
func LogLevelFromEnv(def slogger.Level) (slogger.Level, error) {
	v, ok := os.LookupEnv(LogLevelEnvVar)
	if !ok || v == "" {
		return def, nil
	}
	return ParseLogLevel(v)
}

// WarnEnabled reports whether a logger configured at level emits WARN lines.
func WarnEnabled(level slogger.Level) bool {
	return level != slogger.OFF && level <= slogger.WARN
}

func newLogger(prefix string, level slogger.Level, appenders []slogger.Appender) *slogger.Logger {
	if level == slogger.OFF {
		return &slogger.Logger{Prefix: prefix, Appenders: []slogger.Appender{}, StripDirs: 0, TurboFilters: nil}
	}

	filters := []slogger.TurboFilter{slogger.TurboLevelFilter(level)}

	if appenders == nil {
		appenders = []slogger.Appender{slogger.StdOutAppender()}
	}

	return &slogger.Logger{Prefix: prefix, Appenders: appenders, StripDirs: 0, TurboFilters: filters}
}
