// Package log is a thin structured logging layer over zerolog.
package log

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	scopeKey   = "s"
	nsKey      = "ns"
	opKey      = "op"
	optimeKey  = "ts"
	elapsedKey = "elapsed_secs"
	countKey   = "count"
	sizeKey    = "size"
)

//nolint:gochecknoglobals
var globalLogger atomic.Pointer[zerolog.Logger]

//nolint:gochecknoinits
func init() {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
	globalLogger.Store(&zl)
}

// InitGlobals configures the process-wide logger and returns it.
func InitGlobals(level zerolog.Level, json, noColor bool) Logger {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    noColor,
			TimeFormat: "2006-01-02 15:04:05.000",
		}
	}

	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Second

	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	globalLogger.Store(&zl)
	zerolog.DefaultContextLogger = &zl

	return Logger{zl: &zl}
}

// SetOutput replaces the global logger output. Used by tests.
func SetOutput(w io.Writer, level zerolog.Level) {
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	globalLogger.Store(&zl)
}

// Logger is a scoped logger. The zero value logs through the global logger.
type Logger struct {
	zl *zerolog.Logger
}

// New returns a logger tagged with the scope.
func New(scope string) Logger {
	zl := globalLogger.Load().With().Str(scopeKey, scope).Logger()

	return Logger{zl: &zl}
}

// Ctx returns the logger stored in ctx or the global logger.
func Ctx(ctx context.Context) Logger {
	if ctx != nil {
		if zl := zerolog.Ctx(ctx); zl != nil && zl.GetLevel() != zerolog.Disabled {
			return Logger{zl: zl}
		}
	}

	return Logger{zl: globalLogger.Load()}
}

func (l Logger) logger() *zerolog.Logger {
	if l.zl == nil {
		return globalLogger.Load()
	}

	return l.zl
}

// With returns a child logger with the attributes attached.
func (l Logger) With(attrs ...Attr) Logger {
	c := l.logger().With()
	for _, attr := range attrs {
		c = attr(c)
	}

	zl := c.Logger()

	return Logger{zl: &zl}
}

// WithContext stores the logger in ctx.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.logger().WithContext(ctx)
}

// Unwrap returns the underlying zerolog logger.
func (l Logger) Unwrap() *zerolog.Logger {
	return l.logger()
}

func (l Logger) Trace(msg string) {
	l.logger().Trace().Msg(msg)
}

func (l Logger) Tracef(format string, args ...any) {
	l.logger().Trace().Msgf(format, args...)
}

func (l Logger) Debug(msg string) {
	l.logger().Debug().Msg(msg)
}

func (l Logger) Debugf(format string, args ...any) {
	l.logger().Debug().Msgf(format, args...)
}

func (l Logger) Info(msg string) {
	l.logger().Info().Msg(msg)
}

func (l Logger) Infof(format string, args ...any) {
	l.logger().Info().Msgf(format, args...)
}

// InfoWith logs msg with one-off attributes.
func (l Logger) InfoWith(msg string, attrs ...Attr) {
	l.With(attrs...).Info(msg)
}

func (l Logger) Warn(msg string) {
	l.logger().Warn().Msg(msg)
}

func (l Logger) Warnf(format string, args ...any) {
	l.logger().Warn().Msgf(format, args...)
}

func (l Logger) Error(err error, msg string) {
	l.logger().Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, args ...any) {
	l.logger().Error().Err(err).Msgf(format, args...)
}
