package main

import (
	"fmt"
	"log/slog"

	"github.com/at-ishikawa/annotate/internal/config"
	"github.com/spf13/pflag"
)

type LogLevel string

const (
	LogLevelDebug    LogLevel = "DEBUG"
	LogLevelInfo     LogLevel = "INFO"
	LogLevelWarning  LogLevel = "WARNING"
	LogLevelError    LogLevel = "ERROR"
	LogLevelCritical LogLevel = "CRITICAL"

	// slog has no critical level
	levelCritical = slog.LevelError + 4
)

var allLogLevels = []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelCritical}

// Set implements pflag.Value.
func (l *LogLevel) Set(v string) error {
	for _, level := range allLogLevels {
		if v == string(level) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("invalid value %q, valid values are %v", v, allLogLevels)
}

// String implements pflag.Value.
func (l *LogLevel) String() string {
	if l == nil {
		return ""
	}
	return string(*l)
}

// Type implements pflag.Value.
func (l *LogLevel) Type() string {
	return "LogLevel"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelError:
		return slog.LevelError
	case LogLevelCritical:
		return levelCritical
	default:
		return slog.LevelWarn
	}
}

type Backend string

var allBackends = []Backend{config.BackendOllama, config.BackendOpenAI}

func (b *Backend) Set(val string) error {
	for _, backend := range allBackends {
		if val == string(backend) {
			*b = backend
			return nil
		}
	}
	return fmt.Errorf("invalid backend: %s", val)
}

func (b Backend) String() string {
	return string(b)
}

func (b *Backend) Type() string {
	return "Backend"
}

var (
	_ pflag.Value = (*LogLevel)(nil)
	_ pflag.Value = (*Backend)(nil)
)
