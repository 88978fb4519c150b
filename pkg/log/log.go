// Package log provides the engine's structured logger: a thin wrapper over
// a zap.SugaredLogger, matching the teacher's pkg/log conventions (rotating
// file sink via lumberjack, JSON encoding, context-cancellation demoted to
// warn).
package log

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface engine code logs through. It is satisfied by
// *acqLogger and by test doubles.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Sync() error
}

// acqLogger adapts zap.SugaredLogger, demoting context-cancellation errors
// logged via Errorw to Warn so cooperative cancellation never reads as an
// operational failure.
type acqLogger struct {
	s *zap.SugaredLogger
}

var _ Logger = (*acqLogger)(nil)

func (l *acqLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *acqLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *acqLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

func (l *acqLogger) Errorw(msg string, kv ...interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		if err, ok := kv[i+1].(error); ok && isCancellation(err) {
			l.s.Warnw(msg, kv...)
			return
		}
	}
	l.s.Errorw(msg, kv...)
}

func (l *acqLogger) Sync() error { return l.s.Sync() }

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ParseLogLevel parses a textual level ("debug", "info", "warn", "error");
// an empty string defaults to info, matching the teacher's behavior.
func ParseLogLevel(level string) (zap.AtomicLevel, error) {
	if level == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var l zapcore.Level
	if err := l.Set(level); err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), err
	}
	return zap.NewAtomicLevelAt(l), nil
}

// CreateLogger builds a Logger writing JSON to logFile, or to stderr when
// logFile is empty.
func CreateLogger(level zap.AtomicLevel, logFile string) Logger {
	if logFile == "" {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		zl, err := cfg.Build()
		if err != nil {
			zl = zap.NewNop()
		}
		return &acqLogger{s: zl.Sugar()}
	}
	return CreateLoggerWithLumberjack(logFile, 100, level.Level())
}

// CreateLoggerWithLumberjack builds a Logger that rotates logFile once it
// exceeds maxSizeMB, matching the teacher's CreateLoggerWithLumberjack.
func CreateLoggerWithLumberjack(logFile string, maxSizeMB int, level zapcore.Level) Logger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename: logFile,
		MaxSize:  maxSizeMB,
		Compress: true,
	})
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, w, level)
	return &acqLogger{s: zap.New(core).Sugar()}
}

// Default is the package-level logger engine code uses unless a caller
// supplies its own via engine.Options.Logger.
var Default Logger = func() Logger {
	lvl, _ := ParseLogLevel("info")
	return CreateLogger(lvl, "")
}()
