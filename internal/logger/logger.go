// Package logger is a thin structured-logging facade over slog's JSON
// handler. Call Init once at startup.
package logger

import (
	"log/slog"
	"os"
)

var log *slog.Logger

func Init() {
	log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
}

func fields(m map[string]any) []any {
	args := make([]any, 0, len(m)*2)
	for k, v := range m {
		args = append(args, k, v)
	}
	return args
}

func Info(msg string, f map[string]any) {
	logger().Info(msg, fields(f)...)
}

func Warn(msg string, f map[string]any) {
	logger().Warn(msg, fields(f)...)
}

func Error(msg string, f map[string]any) {
	logger().Error(msg, fields(f)...)
}

func Fatal(msg string, f map[string]any) {
	logger().Error(msg, fields(f)...)
	os.Exit(1)
}

// logger tolerates use before Init, e.g. in tests.
func logger() *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
