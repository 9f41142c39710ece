package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Outcome values attached to per-item log lines
const (
	OutcomeSuccess = "success"
	OutcomeInfo    = "info"
	OutcomeFailure = "failure"
)

var (
	log   *zap.Logger
	sugar *zap.SugaredLogger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Outcome returns the structured field used to tag a log line with its result
func Outcome(value string) zap.Field {
	return zap.String("outcome", value)
}

// Init initializes the logger with the specified level and encoding.
// Encoding is either "console" or "json"; an empty value means console.
func Init(lvl string, encoding string) error {
	zapLevel, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	if encoding == "" {
		encoding = "console"
	}
	if encoding != "console" && encoding != "json" {
		return fmt.Errorf("unknown log encoding: %s", encoding)
	}

	level.SetLevel(zapLevel)

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if encoding == "json" {
		encodeLevel = zapcore.LowercaseLevelEncoder
	}

	config := zap.Config{
		Level:       level,
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log = logger
	sugar = logger.Sugar()
	return nil
}

// SetLevel changes the level of the running logger without rebuilding it
func SetLevel(lvl string) error {
	zapLevel, err := parseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(zapLevel)
	return nil
}

// Level returns the current log level
func Level() string {
	return level.Level().String()
}

// ReplaceForTest swaps the underlying core and returns a function restoring the previous logger
func ReplaceForTest(core zapcore.Core) func() {
	prevLog, prevSugar := log, sugar
	log = zap.New(core)
	sugar = log.Sugar()
	return func() {
		log, sugar = prevLog, prevSugar
	}
}

// parseLevel converts a string log level to a zapcore.Level
func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// Debug logs a message at debug level
func Debug(msg string, fields ...zap.Field) {
	if log != nil {
		log.Debug(msg, fields...)
	}
}

// Info logs a message at info level
func Info(msg string, fields ...zap.Field) {
	if log != nil {
		log.Info(msg, fields...)
	}
}

// Warn logs a message at warn level
func Warn(msg string, fields ...zap.Field) {
	if log != nil {
		log.Warn(msg, fields...)
	}
}

// Error logs a message at error level
func Error(msg string, fields ...zap.Field) {
	if log != nil {
		log.Error(msg, fields...)
	}
}

// Success logs an info line tagged with the success outcome
func Success(msg string, fields ...zap.Field) {
	if log != nil {
		log.Info(msg, append(fields, Outcome(OutcomeSuccess))...)
	}
}

// Failure logs an error line tagged with the failure outcome
func Failure(msg string, err error, fields ...zap.Field) {
	if log != nil {
		log.Error(msg, append(fields, zap.Error(err), Outcome(OutcomeFailure))...)
	}
}

// Notice logs an info line tagged with the info outcome
func Notice(msg string, fields ...zap.Field) {
	if log != nil {
		log.Info(msg, append(fields, Outcome(OutcomeInfo))...)
	}
}

// Infof logs a formatted message at info level
func Infof(template string, args ...interface{}) {
	if sugar != nil {
		sugar.Infof(template, args...)
	}
}

// Warnf logs a formatted message at warn level
func Warnf(template string, args ...interface{}) {
	if sugar != nil {
		sugar.Warnf(template, args...)
	}
}

// Errorf logs a formatted message at error level
func Errorf(template string, args ...interface{}) {
	if sugar != nil {
		sugar.Errorf(template, args...)
	}
}

// With creates a child logger and adds structured context to it
func With(fields ...zap.Field) *zap.Logger {
	if log != nil {
		return log.With(fields...)
	}
	return zap.NewNop()
}

// Sync flushes any buffered log entries
func Sync() error {
	if log != nil {
		return log.Sync()
	}
	return nil
}
