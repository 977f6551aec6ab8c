package ptrace

import (
	"sync"

	"go.uber.org/zap"
)

// warnOnce logs a warning the first time it is called, for the lifetime of the process.
type warnOnce struct {
	once sync.Once
}

func (w *warnOnce) Warn(log *zap.Logger, msg string, fields ...zap.Field) {
	w.once.Do(func() {
		log.Warn(msg, fields...)
	})
}

var (
	warnUnknownCPUActivity warnOnce
	warnDuplicateFlow      warnOnce
)
