package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	log = l.Sugar()
}

// Info logs an informational message under a subsystem tag.
func Info(tag, msg string) {
	log.Infof("[%s] %s", tag, msg)
}

// Success logs a completed operation under a subsystem tag.
func Success(tag, msg string) {
	log.Infof("[%s] ✓ %s", tag, msg)
}

// Warn logs a recoverable problem under a subsystem tag.
func Warn(tag, msg string) {
	log.Warnf("[%s] %s", tag, msg)
}

// Error logs a failure under a subsystem tag.
func Error(tag, msg string) {
	log.Errorf("[%s] %s", tag, msg)
}

// Banner prints the startup banner with the build version.
func Banner(version string) {
	line := strings.Repeat("=", 60)
	log.Infof("%s", line)
	log.Infof("fleetpricing %s | dynamic pricing core", version)
	log.Infof("%s", line)
}

// Server logs the listen address once the HTTP server is up.
func Server(addr string) {
	log.Infof("[Server] Listening on http://%s", addr)
}

// Section prints a visual divider for multi-step jobs.
func Section(title string) {
	log.Infof("== %s ==", title)
}

// Stats logs a single named counter value.
func Stats(key string, value interface{}) {
	log.Infof("[Stats] %s = %v", key, value)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = log.Sync()
}

// Infof is Info with formatting.
func Infof(tag, format string, args ...interface{}) {
	Info(tag, fmt.Sprintf(format, args...))
}
