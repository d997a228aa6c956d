package observ

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level, format (json or console) and output (stdout, stderr or a file path).
type LogConfig struct {
	Level  string
	Format string
	Output string
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
}

// InitLogging replaces the process logger.
func InitLogging(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = lvl
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	SetOutput(out)
	logMu.Lock()
	logger = logger.Level(level)
	logMu.Unlock()
	return nil
}

// SetOutput redirects logs, mostly for tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(logger.GetLevel())
}

// Logger returns the process logger for callers that need levels.
func Logger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log writes one structured line tagged with event. Keys are emitted in sorted order.
func Log(event string, kv map[string]any) {
	l := Logger()
	e := l.Info()
	if lvl, ok := kv["level"].(string); ok {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			e = l.WithLevel(parsed)
		}
	}
	if e == nil {
		return
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if k == "level" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e = e.Str("event", event)
	for _, k := range keys {
		switch v := kv[k].(type) {
		case error:
			e = e.AnErr(k, v)
		case time.Duration:
			e = e.Int64(k+"_ms", v.Milliseconds())
		default:
			e = e.Interface(k, v)
		}
	}
	e.Send()
}
