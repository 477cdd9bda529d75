package audit

import (
	"fmt"
	"sync"
)

var (
	// globalWriter is the default audit writer.
	globalWriter Writer = NopWriter{}
	globalMu     sync.RWMutex

	// enabled tracks whether audit logging is active.
	enabled bool
)

// Init initializes the global audit logger with the given writer.
// Must be called before any audit events are logged.
// Returns an error if initialization fails.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}

	globalWriter = w
	enabled = true
	return nil
}

// InitFile initializes the global audit logger with a file writer.
// This is a convenience function for the common case.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}

	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}

	return Init(w)
}

// Close closes the global audit writer.
// Should be called when the application exits.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalWriter != nil {
		err := globalWriter.Close()
		globalWriter = NopWriter{}
		enabled = false
		return err
	}
	return nil
}

// Enabled returns whether audit logging is active.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes an audit event to the global writer.
// Returns an error if the write fails.
//
// IMPORTANT: If audit logging is enabled and this returns an error,
// the calling operation SHOULD fail. Audit logs are critical for
// compliance and security.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()

	return w.Write(event)
}

// MustLog writes an audit event and returns an error suitable for
// failing the parent operation if audit logging fails.
//
// Usage:
//
//	if err := audit.MustLog(event); err != nil {
//	    return nil, err // Operation fails if audit fails
//	}
func MustLog(event *Event) error {
	if err := Log(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

func resultOf(success bool) Result {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// LogSignerCreated logs the creation of a concurrent signer.
func LogSignerCreated(name, algorithm string, poolSize int) error {
	event := NewEvent(EventSignerCreated, ResultSuccess).
		WithObject(Object{Type: "signer", Name: name}).
		WithContext(Context{Algorithm: algorithm, PoolSize: poolSize})
	return MustLog(event)
}

// LogSignerClosed logs the teardown of a concurrent signer.
func LogSignerClosed(name, policy string, err error) error {
	ctx := Context{Policy: policy}
	if err != nil {
		ctx.Reason = err.Error()
	}
	event := NewEvent(EventSignerClosed, resultOf(err == nil)).
		WithObject(Object{Type: "signer", Name: name}).
		WithContext(ctx)
	return MustLog(event)
}

// LogCertChainSet logs a certificate chain replacement. An empty subject and
// zero length mean the chain was cleared.
func LogCertChainSet(name, subject string, chainLen int, err error) error {
	ctx := Context{ChainLen: chainLen}
	if err != nil {
		ctx.Reason = err.Error()
	}
	event := NewEvent(EventCertChainSet, resultOf(err == nil)).
		WithObject(Object{Type: "certificate", Name: name, Subject: subject}).
		WithContext(ctx)
	return MustLog(event)
}

// LogHealthCheck logs the outcome of a health check.
func LogHealthCheck(name, algorithm string, healthy bool, reason string) error {
	event := NewEvent(EventHealthCheck, resultOf(healthy)).
		WithObject(Object{Type: "signer", Name: name}).
		WithContext(Context{Algorithm: algorithm, Reason: reason})
	return MustLog(event)
}

// LogPoolViolation logs the return of a handle that was not borrowed.
func LogPoolViolation(name string, index int, reason string) error {
	event := NewEvent(EventPoolViolation, ResultFailure).
		WithObject(Object{Type: "pool", Name: name}).
		WithContext(Context{Index: index, Reason: reason})
	return MustLog(event)
}

// LogHSMSessionsOpened logs the provisioning of PKCS#11 signing sessions.
func LogHSMSessionsOpened(modulePath, algorithm string, sessions int, err error) error {
	ctx := Context{Algorithm: algorithm, PoolSize: sessions}
	if err != nil {
		ctx.Reason = err.Error()
	}
	event := NewEvent(EventHSMSessionsOpened, resultOf(err == nil)).
		WithObject(Object{Type: "hsm", Path: modulePath}).
		WithContext(ctx)
	return MustLog(event)
}
