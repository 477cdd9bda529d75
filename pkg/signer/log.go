package signer

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	defaultLogger = log.New(os.Stderr, "[signer] ", log.LstdFlags)
	logger        atomic.Pointer[log.Logger]
)

// SetLogger redirects the package's technical log. A nil logger discards output.
func SetLogger(l *log.Logger) {
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}
	logger.Store(l)
}

func logf(format string, args ...any) {
	l := logger.Load()
	if l == nil {
		l = defaultLogger
	}
	l.Printf(format, args...)
}
