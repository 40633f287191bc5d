package xlog

import (
	"log"
	"strings"

	"github.com/DragonSecurity/cdprelay/pkg/util"
)

// LogWriter forwards writes to a util.Logger at a fixed level.
type LogWriter struct {
	logFunc func(string)
}

func (w LogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.logFunc(msg)
	}
	return len(p), nil
}

func NewWarnWriter(l *util.Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Warnf("%s", msg) }}
}

func NewErrorWriter(l *util.Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Errorf("%s", msg) }}
}

// StdLogger wraps w for APIs that want a *log.Logger, such as http.Server.ErrorLog.
func StdLogger(w LogWriter) *log.Logger { return log.New(w, "", 0) }
