package log

import (
	stdlog "log"
	"strings"
)

// stdBridge adapts std library log output into a Logger.
type stdBridge struct {
	logger Logger
}

func (b stdBridge) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	b.logger.Info(msg)
	return len(p), nil
}

// RedirectStdLog routes standard library log output (used by Pebble and other
// dependencies) through the provided logger.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdBridge{logger: logger.WithComponent("stdlog")})
}
