// Package log is a thin module-aware layer over log/slog. The root logger
// discards everything until InitLogger or SetDefault is called, so library
// code can log unconditionally.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Module names used as the "module" attribute.
const (
	CacheModule  = "bcache"
	DeviceModule = "device"
	CLIModule    = "cli"
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

var root atomic.Value

func init() {
	root.Store(slog.New(discardHandler{}))
}

// ParseLevel maps a level name (case insensitive) to its slog.Level.
func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, errors.Newf("invalid level: %s", lvl)
	}
}

// LevelString is the inverse of ParseLevel for the levels it knows about.
func LevelString(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelCrit:
		return "CRIT"
	default:
		return l.String()
	}
}

// NewHandler returns a text handler writing to w at the given level, with the
// custom levels rendered by name.
func NewHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelString(l))
				}
			}
			return a
		},
	})
}

// InitLogger installs a stderr logger at the named level.
func InitLogger(logLevel string) error {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(slog.New(NewHandler(os.Stderr, lvl)))
	return nil
}

// SetDefault sets the root logger.
func SetDefault(l *slog.Logger) {
	root.Store(l)
}

// Root returns the root logger.
func Root() *slog.Logger {
	return root.Load().(*slog.Logger)
}

// New returns a logger tagged with the given module. The logger is bound to
// the root at the time of the call.
func New(module string, ctx ...any) *slog.Logger {
	return Root().With(append([]any{"module", module}, ctx...)...)
}

// Trace logs at LevelTrace, below debug.
func Trace(l *slog.Logger, msg string, ctx ...any) {
	l.Log(context.Background(), LevelTrace, msg, ctx...)
}

// Crit logs at LevelCrit. Unlike a process logger it does not exit; fatal
// conditions in the cache are raised as panics by the caller.
func Crit(l *slog.Logger, msg string, ctx ...any) {
	l.Log(context.Background(), LevelCrit, msg, ctx...)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
