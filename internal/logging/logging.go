// Package logging sets up the process-wide slog logger. It follows the
// ambient logging shape used throughout this codebase: a small slog.Handler
// that fans a record out to one or more writers, each with its own minimum
// level, so (for example) the console can show INFO+ while a log file keeps
// DEBUG.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var (
	levelMu     sync.RWMutex
	globalLevel = slog.LevelInfo
)

// SetLevel adjusts the process-wide minimum level. Handlers registered
// through this package consult it on every record.
func SetLevel(s string) {
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = ParseLevel(s)
}

// ParseLevel maps a config string to an slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func currentLevel() slog.Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

// sink is one output target with its own floor level.
type sink struct {
	w     io.Writer
	level slog.Level
	color bool
}

// fanoutHandler writes each accepted record to every sink meeting its level.
type fanoutHandler struct {
	mu    sync.Mutex
	sinks []sink
	attrs []slog.Attr
}

// ConsoleAndFile builds the standard handler: a colorized console sink (when
// stdout is a real terminal, via go-isatty/go-colorable the way samoyed's
// logger does it) at consoleLevel, plus an optional file sink at fileLevel.
func ConsoleAndFile(consoleLevel slog.Level, file io.Writer, fileLevel slog.Level) slog.Handler {
	h := &fanoutHandler{}
	var console io.Writer = os.Stdout
	isTerm := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if isTerm {
		console = colorable.NewColorableStdout()
	}
	h.sinks = append(h.sinks, sink{w: console, level: consoleLevel, color: isTerm})
	if file != nil {
		h.sinks = append(h.sinks, sink{w: file, level: fileLevel, color: false})
	}
	return h
}

// Init installs the fan-out handler as the default slog logger.
func Init(consoleLevel slog.Level, file io.Writer, fileLevel slog.Level) {
	slog.SetDefault(slog.New(ConsoleAndFile(consoleLevel, file, fileLevel)))
}

func (h *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level < currentLevel() {
		return false
	}
	for _, s := range h.sinks {
		if level >= s.level {
			return true
		}
	}
	return false
}

var levelColor = map[slog.Level]string{
	slog.LevelDebug: "\x1b[2m",
	slog.LevelInfo:  "\x1b[36m",
	slog.LevelWarn:  "\x1b[33m",
	slog.LevelError: "\x1b[31m",
}

const colorReset = "\x1b[0m"

func (h *fanoutHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level < currentLevel() {
		return nil
	}

	var b strings.Builder
	ts := r.Time.Format(time.TimeOnly)
	lvl := r.Level.String()

	var attrs []string
	for _, a := range h.attrs {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sinks {
		if r.Level < s.level {
			continue
		}
		b.Reset()
		if s.color {
			b.WriteString(levelColor[r.Level])
		}
		b.WriteByte('[')
		b.WriteString(ts)
		b.WriteString("] [")
		b.WriteString(lvl)
		b.WriteString("] ")
		b.WriteString(r.Message)
		if s.color {
			b.WriteString(colorReset)
		}
		for _, a := range attrs {
			b.WriteByte(' ')
			b.WriteString(a)
		}
		b.WriteByte('\n')
		_, _ = s.w.Write([]byte(b.String()))
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &fanoutHandler{sinks: h.sinks, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
	return nh
}

func (h *fanoutHandler) WithGroup(_ string) slog.Handler {
	return h
}
