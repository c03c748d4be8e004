// Package log provides structured logging for the exploit generator using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with exploit-generation helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. It stays a no-op until Init runs.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Leak logs a detected information leak.
func (l *Logger) Leak(kind string, bufIndex, baseOffset uint64) {
	l.Warn("detected leak",
		zap.String("kind", kind),
		zap.String("bufIndex", Hex(bufIndex)),
		zap.String("baseOffset", Hex(baseOffset)),
	)
}

// Constrain logs a constraint injection into an execution state.
func (l *Logger) Constrain(target, value string) {
	l.Info("constraining",
		zap.String("target", target),
		zap.String("value", value),
	)
}

// WithState returns a logger with the execution-state id field preset.
func (l *Logger) WithState(id int) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Int("state", id))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Reg creates a register name field.
func Reg(name string) zap.Field {
	return zap.String("reg", name)
}
