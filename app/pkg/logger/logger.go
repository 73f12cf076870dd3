package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

// Init tees JSON logs into a dated file under logDir and console logs to stdout.
func Init(logDir string, level string) error {
	return InitWithConsole(logDir, level, os.Stdout)
}

// InitWithConsole is Init with the console copy sent to console instead of
// stdout. Stdio protocol servers pass os.Stderr.
func InitWithConsole(logDir string, level string, console *os.File) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("lunchrun_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	lvl := parseLevel(level)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), lvl),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(console), lvl),
	)
	Set(zap.New(core, zap.AddCaller()))
	return nil
}

// Set replaces the process logger. Tests use it with zaptest or zap.NewNop.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// L returns the structured logger. It never returns nil.
func L() *zap.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func Sync() {
	_ = L().Sync()
}

func parseLevel(level string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
