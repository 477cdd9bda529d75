// Package signer provides a bounded pool of signing backends and the
// ConcurrentSigner facade built on it.
//
// Backends such as PKCS#11 sessions are not safe for concurrent use. The pool
// hands each backend to at most one borrower at a time and makes callers wait,
// up to a timeout, when all of them are busy.
package signer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

// healthMessage is the message signed by HealthCheck.
var healthMessage = []byte{1, 2, 3, 4}

type slot struct {
	backend pkicrypto.ContentSigner
	busy    bool
	gen     uint64 // bumped on every borrow
}

// Pool is a fixed set of signing backends with exclusive borrowing.
type Pool struct {
	name   string
	policy ClosePolicy

	mu     sync.Mutex
	slots  []slot
	closed bool

	idle chan int      // indices of idle slots
	done chan struct{} // closed by Close to wake waiters
}

// Handle is an exclusive borrow of one backend. It must be given back with
// Return exactly once.
type Handle struct {
	pool  *Pool
	index int
	gen   uint64
}

// NewPool builds a pool over backends. All backends start idle.
func NewPool(backends []pkicrypto.ContentSigner, opts ...Option) (*Pool, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	o := applyOptions(opts)

	p := &Pool{
		name:   o.name,
		policy: o.policy,
		slots:  make([]slot, len(backends)),
		idle:   make(chan int, len(backends)),
		done:   make(chan struct{}),
	}
	for i, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend %d is nil", i)
		}
		p.slots[i].backend = b
		p.idle <- i
	}
	return p, nil
}

// Size returns the number of backends.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Backend returns the backend at index i. It is meant for inspection only;
// signing must go through a borrowed Handle.
func (p *Pool) Backend(i int) pkicrypto.ContentSigner {
	return p.slots[i].backend
}

// Borrow waits up to the process-wide default timeout for an idle backend.
func (p *Pool) Borrow(ctx context.Context) (*Handle, error) {
	return p.BorrowTimeout(ctx, DefaultBorrowTimeoutValue())
}

// BorrowTimeout waits up to d for an idle backend. A zero d waits until a
// backend frees up, ctx is done or the pool is closed.
func (p *Pool) BorrowTimeout(ctx context.Context, d time.Duration) (*Handle, error) {
	if d < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeout, d)
	}
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	// Fast path avoids arming a timer when a backend is idle.
	select {
	case i := <-p.idle:
		return p.acquire(i)
	default:
	}

	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case i := <-p.idle:
		return p.acquire(i)
	case <-expired:
		return nil, fmt.Errorf("%w: timed out after %s", ErrNoIdleSigner, d)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNoIdleSigner, ctx.Err())
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

func (p *Pool) acquire(i int) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.idle <- i
		return nil, ErrPoolClosed
	}
	s := &p.slots[i]
	s.busy = true
	s.gen++
	return &Handle{pool: p, index: i, gen: s.gen}, nil
}

// Return gives a borrowed backend back. Returning a handle that is not
// currently borrowed (twice, foreign, or stale) is a protocol violation: it
// is logged, audited and reported, and the pool state is left unchanged.
func (p *Pool) Return(h *Handle) error {
	if h == nil || h.pool != p {
		return p.violation(-1, "handle does not belong to this pool")
	}

	p.mu.Lock()
	if h.index < 0 || h.index >= len(p.slots) {
		p.mu.Unlock()
		return p.violation(h.index, "index out of range")
	}
	s := &p.slots[h.index]
	if !s.busy || s.gen != h.gen {
		p.mu.Unlock()
		return p.violation(h.index, "signer is not borrowed by this handle")
	}
	s.busy = false
	closed, policy := p.closed, p.policy
	p.mu.Unlock()

	if closed && policy == ReleaseBackends {
		return closeBackend(s.backend)
	}
	// Never blocks: capacity equals the number of slots and this index was
	// out of the channel while busy.
	p.idle <- h.index
	return nil
}

func (p *Pool) violation(index int, reason string) error {
	logf("%s: %s (slot %d): %s", p.name, ErrPoolProtocolViolation, index, reason)
	if err := audit.LogPoolViolation(p.name, index, reason); err != nil {
		logf("%s: %v", p.name, err)
	}
	return fmt.Errorf("%w: slot %d: %s", ErrPoolProtocolViolation, index, reason)
}

// HealthCheck borrows a backend, signs a fixed message and reports whether a
// non-empty signature came back. The backend is always returned. Failures
// are logged and never propagated.
func (p *Pool) HealthCheck(ctx context.Context) bool {
	ok, _ := p.healthCheck(ctx)
	return ok
}

func (p *Pool) healthCheck(ctx context.Context) (healthy bool, reason string) {
	h, err := p.Borrow(ctx)
	if err != nil {
		logf("%s: health check could not borrow a signer: %v", p.name, err)
		return false, err.Error()
	}
	defer func() {
		if err := p.Return(h); err != nil {
			logf("%s: health check could not return signer: %v", p.name, err)
		}
	}()

	sig, err := h.sign(healthMessage)
	if err != nil {
		logf("%s: health check signature failed: %v", p.name, err)
		return false, err.Error()
	}
	if len(sig) == 0 {
		logf("%s: health check produced an empty signature", p.name)
		return false, "empty signature"
	}
	return true, ""
}

// Stats reports idle and busy counts.
func (p *Pool) Stats() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.busy {
			busy++
		} else {
			idle++
		}
	}
	return idle, busy
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops further borrowing and wakes waiters with ErrPoolClosed. With
// ReleaseBackends, idle backends are closed now and borrowed ones on Return.
// Calling Close again is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	var idle []pkicrypto.ContentSigner
	if p.policy == ReleaseBackends {
		for _, s := range p.slots {
			if !s.busy {
				idle = append(idle, s.backend)
			}
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, b := range idle {
		if err := closeBackend(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeBackend(b pkicrypto.ContentSigner) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Index returns the slot index held by the handle.
func (h *Handle) Index() int {
	return h.index
}

// Signer returns the borrowed backend, or nil once the handle has been
// returned.
func (h *Handle) Signer() pkicrypto.ContentSigner {
	b, ok := h.backend()
	if !ok {
		return nil
	}
	return b
}

// AlgorithmIdentifier returns the backend's algorithm identifier.
func (h *Handle) AlgorithmIdentifier() pkicrypto.AlgorithmIdentifier {
	return h.pool.slots[h.index].backend.AlgorithmIdentifier()
}

// Sign signs message with the borrowed backend. A handle that is no longer
// the current borrow of its slot fails with ErrPoolProtocolViolation.
func (h *Handle) Sign(message []byte) ([]byte, error) {
	return h.sign(message)
}

// backend reports the slot's backend while h is its current borrow.
func (h *Handle) backend() (pkicrypto.ContentSigner, bool) {
	p := h.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.slots[h.index]
	if !s.busy || s.gen != h.gen {
		return nil, false
	}
	return s.backend, true
}

// sign shields the pool from backends that panic.
func (h *Handle) sign(message []byte) (sig []byte, err error) {
	b, ok := h.backend()
	if !ok {
		return nil, h.pool.violation(h.index, "handle used after return")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signing backend panicked: %v", r)
		}
	}()
	return b.Sign(message)
}
