// Package obslog owns the core's structured logging surface. It is a thin
// wrapper over zap, initialized once by the embedding application; core
// packages call obslog.L() rather than taking a logger dependency directly,
// mirroring sylar's SYLAR_LOG_ROOT()/SYLAR_LOG_NAME() global accessors.
package obslog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	current atomic.Pointer[zap.SugaredLogger]
)

func init() {
	l, _ := zap.NewProduction()
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

// Init (re)configures the package logger at the requested level.
// development, when true, builds from zap's development config (console
// encoder) instead of the production one; the level is still the one
// passed in.
func Init(level zapcore.Level, development bool) error {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	current.Store(l.Sugar())
	return nil
}

// L returns the active sugared logger.
func L() *zap.SugaredLogger { return current.Load() }
