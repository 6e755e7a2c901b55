package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, and swallows the panic.
// Should be used with a `defer` at the top of a goroutine whose failure must not take the process down.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Error("panic", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
