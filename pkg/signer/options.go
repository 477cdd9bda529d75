package signer

import "crypto"

// ClosePolicy decides what Close does with the signing backends.
type ClosePolicy int

const (
	// RetainBackends leaves backends open; their owner closes them.
	RetainBackends ClosePolicy = iota

	// ReleaseBackends closes every backend implementing io.Closer. Idle
	// backends are closed by Close, borrowed ones when they are returned.
	ReleaseBackends
)

func (p ClosePolicy) String() string {
	switch p {
	case RetainBackends:
		return "retain"
	case ReleaseBackends:
		return "release"
	default:
		return "unknown"
	}
}

type options struct {
	name       string
	policy     ClosePolicy
	privateKey crypto.PrivateKey
	publicKey  crypto.PublicKey
}

// Option configures a Pool or a ConcurrentSigner.
type Option func(*options)

// WithName labels the signer in logs and audit events.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClosePolicy selects how Close treats the backends.
func WithClosePolicy(p ClosePolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithPrivateKey attaches an opaque private key reference to a ConcurrentSigner.
func WithPrivateKey(k crypto.PrivateKey) Option {
	return func(o *options) { o.privateKey = k }
}

// WithPublicKey sets the initial public key of a ConcurrentSigner.
func WithPublicKey(k crypto.PublicKey) Option {
	return func(o *options) { o.publicKey = k }
}

func applyOptions(opts []Option) options {
	o := options{name: "signer"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
