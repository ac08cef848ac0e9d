package transport

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

// Logger returns the transport logger.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// SetLogger installs l for the package. A nil l restores the no-op logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// debug gates per-request logging on the hot path.
var debug atomic.Bool

// SetDebug turns per-request debug logging on or off.
func SetDebug(on bool) { debug.Store(on) }

func debugf(format string, args ...any) {
	if debug.Load() {
		Logger().Sugar().Debugf(format, args...)
	}
}
