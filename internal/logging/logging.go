// Package logging provides the categorized zap logger used across the
// worker. Each subsystem gets a named child logger so operators can grep
// one category without the rest of the firehose.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one subsystem's log stream.
type Category string

const (
	CategoryWorker  Category = "worker"  // scheduler, claim loop, reaper
	CategoryRun     Category = "run"     // state machine, control signals
	CategoryDecide  Category = "decide"  // strategy routing, model calls
	CategoryBrowser Category = "browser" // driver, page events
	CategoryStore   Category = "store"   // object store, fallback
	CategoryTrace   Category = "trace"   // trace builder
	CategoryLimits  Category = "limits"  // ceilings, enforcement
	CategoryQueue   Category = "queue"   // queue client
	CategoryMetrics Category = "metrics" // telemetry export
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the process-wide root logger. debug switches to development
// encoding with debug level; otherwise production JSON at info level.
func Init(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	SetRoot(logger)
	return logger, nil
}

// SetRoot replaces the root logger. Tests use this with zaptest loggers.
func SetRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

// Get returns the named child logger for a category.
func Get(c Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(c))
}

// Sync flushes buffered log entries. Safe to call on shutdown paths.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
