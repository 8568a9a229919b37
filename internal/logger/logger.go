// Package logger provides structured logging for the harness, built on
// log/slog the same way the teacher's internal/logger package is: a
// package-level, mutex-guarded logger that can be reconfigured at
// runtime, with text or JSON output and a context-carried set of fields
// for per-connection correlation.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level mirrors slog's levels without exposing slog as part of this
// package's public API.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config controls logger output.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel atomic.Int32

	mu      sync.RWMutex
	slogger *slog.Logger
	output  io.Writer = os.Stderr
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	reconfigure("text")
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func reconfigure(format string) {
	mu.Lock()
	defer mu.Unlock()

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(Level(currentLevel.Load())))
	opts := &slog.HandlerOptions{Level: levelVar}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	slogger = slog.New(handler)
}

// Init (re)configures the logger from cfg. Output may be "stdout",
// "stderr", or a file path.
func Init(cfg Config) error {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "text"
	}

	if cfg.Output != "" {
		mu.Lock()
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			output = os.Stdout
		case "stderr", "":
			output = os.Stderr
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("open log file %q: %w", cfg.Output, err)
			}
			output = f
		}
		mu.Unlock()
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}

	reconfigure(format)
	return nil
}

// SetLevel sets the minimum level that is actually logged.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	default:
		return
	}
}

func getLogger() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

func Debug(msg string, args ...any) { getLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { getLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { getLogger().Warn(msg, args...) }
func Error(msg string, args ...any) { getLogger().Error(msg, args...) }

type contextKey struct{}

var fieldsKey = contextKey{}

// Fields holds request-scoped fields attached to a context.Context and
// emitted on every *Ctx log call.
type Fields struct {
	ConnectionID string
	ClientAddr   string
	Order        uint64
}

// WithFields returns a copy of ctx carrying f.
func WithFields(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, fieldsKey, f)
}

// FromContext retrieves Fields from ctx, or the zero value if absent.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey).(Fields)
	return f
}

func withContextArgs(ctx context.Context, args []any) []any {
	f := FromContext(ctx)
	if f == (Fields{}) {
		return args
	}
	extra := make([]any, 0, 6)
	if f.ConnectionID != "" {
		extra = append(extra, "connection_id", f.ConnectionID)
	}
	if f.ClientAddr != "" {
		extra = append(extra, "client_addr", f.ClientAddr)
	}
	if f.Order != 0 {
		extra = append(extra, "order", f.Order)
	}
	return append(extra, args...)
}

func DebugCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Debug(msg, withContextArgs(ctx, args)...)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Info(msg, withContextArgs(ctx, args)...)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Warn(msg, withContextArgs(ctx, args)...)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	getLogger().Error(msg, withContextArgs(ctx, args)...)
}
