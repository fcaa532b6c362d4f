// Package logging provides categorized structured logging for capforge.
// Each subsystem logs under a named category so a single run can be filtered
// by concern. The package defaults to a nop logger; binaries install a real
// zap logger at startup.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one logging subsystem.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryProvider     Category = "provider"
	CategoryGuardrail    Category = "guardrail"
	CategorySandbox      Category = "sandbox"
	CategoryWorker       Category = "worker"
	CategoryStore        Category = "store"
	CategoryLifecycle    Category = "lifecycle"
	CategoryTelemetry    Category = "telemetry"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Install replaces the process-wide root logger. Category loggers created
// afterwards derive from it; existing ones are rebuilt.
func Install(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
	for cat := range loggers {
		loggers[cat] = root.Named(string(cat)).Sugar()
	}
}

// NewDevelopment builds a console logger at the given level and installs it.
func NewDevelopment(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	Install(l)
	return l, nil
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}
