package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DefaultLogger is the process-wide logger instance
	DefaultLogger *zap.Logger
)

// Config holds logging configuration
type Config struct {
	// Level is one of: debug, info, warn, error
	Level string
	// Output is one of: stdout, file
	Output string
	// FilePath is the log file path when Output is "file"
	FilePath string
}

// Init initializes the logging system
func Init(config Config) error {
	var level zapcore.Level
	switch config.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var writeSyncer zapcore.WriteSyncer
	if config.Output == "file" && config.FilePath != "" {
		file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		writeSyncer,
		level,
	)

	DefaultLogger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	zap.ReplaceGlobals(DefaultLogger)

	return nil
}

func ensure() *zap.Logger {
	if DefaultLogger == nil {
		DefaultLogger = zap.NewNop()
	}
	return DefaultLogger
}

// Debug logs at debug level
func Debug(msg string, fields ...zap.Field) {
	ensure().Debug(msg, fields...)
}

// Info logs at info level
func Info(msg string, fields ...zap.Field) {
	ensure().Info(msg, fields...)
}

// Warn logs at warn level
func Warn(msg string, fields ...zap.Field) {
	ensure().Warn(msg, fields...)
}

// Error logs at error level
func Error(msg string, fields ...zap.Field) {
	ensure().Error(msg, fields...)
}

// Fatal logs at fatal level and terminates the process
func Fatal(msg string, fields ...zap.Field) {
	ensure().Fatal(msg, fields...)
}

// With returns a logger with the given fields attached
func With(fields ...zap.Field) *zap.Logger {
	return ensure().With(fields...)
}
