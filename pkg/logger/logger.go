// Package logger wires zerolog as the process-wide structured logger.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Console modes accepted by Init.
const (
	ConsoleAuto = "auto"
	ConsoleOn   = "on"
	ConsoleOff  = "off"
)

var base = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global logger. console selects human-readable output:
// "auto" enables it only when stderr is a terminal.
func Init(level, console string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	var out io.Writer = os.Stderr
	if useConsole(console, int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	base = zerolog.New(out).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &base
}

func useConsole(mode string, fd int) bool {
	switch strings.ToLower(mode) {
	case ConsoleOn, "true":
		return true
	case ConsoleOff, "false":
		return false
	default:
		return term.IsTerminal(fd)
	}
}

// Logger returns the logger carried by ctx, or the global one.
func Logger(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	return &base
}

// Base returns the global logger.
func Base() *zerolog.Logger {
	return &base
}
