package signer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// DefaultBorrowTimeout applies when no override is configured.
	DefaultBorrowTimeout = 10 * time.Second

	// MaxBorrowTimeoutMillis is the largest accepted process-wide timeout.
	MaxBorrowTimeoutMillis = 60000

	// TimeoutEnvVar names the environment variable read at process start,
	// in milliseconds. Zero means wait forever.
	TimeoutEnvVar = "QPKI_SIGNSERVICE_TIMEOUT"
)

// defaultBorrowTimeout holds nanoseconds.
var defaultBorrowTimeout atomic.Int64

func init() {
	defaultBorrowTimeout.Store(int64(DefaultBorrowTimeout))
	_ = InitDefaultBorrowTimeoutFromEnv()
}

// InitDefaultBorrowTimeoutFromEnv applies TimeoutEnvVar when it is set. It runs
// once at package initialization; calling it again re-reads the variable.
func InitDefaultBorrowTimeoutFromEnv() error {
	v, ok := os.LookupEnv(TimeoutEnvVar)
	if !ok {
		return nil
	}
	return setDefaultBorrowTimeoutString(v)
}

// DefaultBorrowTimeoutValue returns the process-wide wait used by Borrow.
func DefaultBorrowTimeoutValue() time.Duration {
	return time.Duration(defaultBorrowTimeout.Load())
}

// SetDefaultBorrowTimeoutMillis sets the process-wide wait used by Borrow.
// Values outside [0, MaxBorrowTimeoutMillis] are logged and ignored.
func SetDefaultBorrowTimeoutMillis(ms int64) error {
	if ms < 0 || ms > MaxBorrowTimeoutMillis {
		logf("invalid borrow timeout %d ms (allowed 0..%d), keeping %s",
			ms, MaxBorrowTimeoutMillis, DefaultBorrowTimeoutValue())
		return fmt.Errorf("%w: %d ms not in [0, %d]", ErrInvalidTimeout, ms, MaxBorrowTimeoutMillis)
	}
	defaultBorrowTimeout.Store(int64(time.Duration(ms) * time.Millisecond))
	return nil
}

func setDefaultBorrowTimeoutString(v string) error {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		logf("invalid %s=%q, keeping %s", TimeoutEnvVar, v, DefaultBorrowTimeoutValue())
		return fmt.Errorf("%w: %q is not an integer", ErrInvalidTimeout, v)
	}
	return SetDefaultBorrowTimeoutMillis(ms)
}
