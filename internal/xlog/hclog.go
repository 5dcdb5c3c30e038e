package xlog

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// hclogAdapter backs the default Logger with a real structured logging
// library, the way the teacher pack's nabbar-golib `logger` package does.
// It is only ever constructed through NewDefault — the rest of this module
// never imports hclog directly, keeping logging genuinely pluggable.
type hclogAdapter struct {
	l hclog.Logger
}

// NewDefault returns a Logger backed by hclog, named for the component that
// owns it (e.g. "socket-connection", "cluster-pinger").
func NewDefault(name string) Logger {
	return hclogAdapter{l: hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.Debug,
		Output: os.Stderr,
	})}
}

func (a hclogAdapter) Log(level Level, msg string, keyvals ...any) {
	switch level {
	case LevelDebug:
		a.l.Debug(msg, keyvals...)
	case LevelInfo:
		a.l.Info(msg, keyvals...)
	case LevelWarn:
		a.l.Warn(msg, keyvals...)
	case LevelError:
		a.l.Error(msg, keyvals...)
	default:
		a.l.Info(msg, keyvals...)
	}
}
