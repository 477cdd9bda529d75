package signer

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

// CertificateHolder is the structural view of a certificate: the signed
// TBS bytes, the outer signature algorithm and the signature value.
type CertificateHolder struct {
	Raw                []byte
	RawTBSCertificate  []byte
	SignatureAlgorithm pkicrypto.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// NewCertificateHolder splits a DER certificate into its three top-level parts.
func NewCertificateHolder(der []byte) (*CertificateHolder, error) {
	input := cryptobyte.String(der)
	var body, tbs, algDER cryptobyte.String
	var sig asn1.BitString

	if !input.ReadASN1(&body, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed certificate", ErrInvalidCertificate)
	}
	if !body.ReadASN1Element(&tbs, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed tbsCertificate", ErrInvalidCertificate)
	}
	if !body.ReadASN1Element(&algDER, cbasn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: malformed signatureAlgorithm", ErrInvalidCertificate)
	}
	if !body.ReadASN1BitString(&sig) || !body.Empty() {
		return nil, fmt.Errorf("%w: malformed signatureValue", ErrInvalidCertificate)
	}

	var alg pkix.AlgorithmIdentifier
	rest, err := asn1.Unmarshal(algDER, &alg)
	if err != nil {
		return nil, fmt.Errorf("%w: signatureAlgorithm: %w", ErrInvalidCertificate, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after signatureAlgorithm", ErrInvalidCertificate)
	}

	return &CertificateHolder{
		Raw:                append([]byte(nil), der...),
		RawTBSCertificate:  append([]byte(nil), tbs...),
		SignatureAlgorithm: alg,
		SignatureValue:     sig,
	}, nil
}

// ConcurrentSigner is a pool-backed signer carrying the certificate chain and
// keys associated with its backends. All backends share one algorithm
// identifier, fixed when the signer is built.
type ConcurrentSigner struct {
	name       string
	pool       *Pool
	id         pkicrypto.AlgorithmIdentifier
	algName    string
	privateKey crypto.PrivateKey
	policy     ClosePolicy

	mu        sync.RWMutex
	publicKey crypto.PublicKey
	chain     []*x509.Certificate
	holders   []*CertificateHolder
	closed    bool
}

// NewConcurrentSigner wraps backends in a pool. The algorithm identifier is
// read from the first backend.
func NewConcurrentSigner(backends []pkicrypto.ContentSigner, opts ...Option) (*ConcurrentSigner, error) {
	pool, err := NewPool(backends, opts...)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	id := backends[0].AlgorithmIdentifier()
	name, err := pkicrypto.AlgorithmName(id)
	if err != nil {
		name = id.Algorithm.String()
	}

	s := &ConcurrentSigner{
		name:       o.name,
		pool:       pool,
		id:         id,
		algName:    name,
		privateKey: o.privateKey,
		publicKey:  o.publicKey,
		policy:     o.policy,
	}
	if err := audit.LogSignerCreated(s.name, s.algName, pool.Size()); err != nil {
		logf("%s: %v", s.name, err)
	}
	return s, nil
}

// Name returns the label given with WithName.
func (s *ConcurrentSigner) Name() string {
	return s.name
}

// AlgorithmIdentifier returns the identifier shared by all backends.
func (s *ConcurrentSigner) AlgorithmIdentifier() pkicrypto.AlgorithmIdentifier {
	return s.id
}

// AlgorithmName returns the canonical algorithm name, or the dotted OID when
// the identifier has no registered name.
func (s *ConcurrentSigner) AlgorithmName() string {
	return s.algName
}

// PrivateKey returns the opaque key reference given with WithPrivateKey.
func (s *ConcurrentSigner) PrivateKey() crypto.PrivateKey {
	return s.privateKey
}

// PublicKey returns the current public key.
func (s *ConcurrentSigner) PublicKey() crypto.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey
}

// SetPublicKey replaces the public key. The certificate chain is untouched.
func (s *ConcurrentSigner) SetPublicKey(pub crypto.PublicKey) {
	s.mu.Lock()
	s.publicKey = pub
	s.mu.Unlock()
}

// SetCertificateChain installs chain, leaf first. An empty chain clears the
// chain and its holders and keeps the public key. Otherwise the public key
// becomes the leaf's. Every entry is converted before anything is committed,
// so a failure leaves the previous state in place.
func (s *ConcurrentSigner) SetCertificateChain(chain []*x509.Certificate) error {
	if len(chain) == 0 {
		s.mu.Lock()
		s.chain = nil
		s.holders = nil
		s.mu.Unlock()
		s.auditChain("", 0, nil)
		return nil
	}

	holders := make([]*CertificateHolder, len(chain))
	for i, cert := range chain {
		if cert == nil || len(cert.Raw) == 0 {
			err := &CertificateError{Index: i, Err: fmt.Errorf("%w: empty certificate", ErrInvalidCertificate)}
			s.auditChain("", len(chain), err)
			return err
		}
		h, err := NewCertificateHolder(cert.Raw)
		if err != nil {
			cerr := &CertificateError{Index: i, Err: err}
			s.auditChain(cert.Subject.String(), len(chain), cerr)
			return cerr
		}
		holders[i] = h
	}

	s.mu.Lock()
	s.chain = append([]*x509.Certificate(nil), chain...)
	s.holders = holders
	s.publicKey = chain[0].PublicKey
	s.mu.Unlock()

	s.auditChain(chain[0].Subject.String(), len(chain), nil)
	return nil
}

// SetCertificateChainDER parses each DER certificate and installs the chain.
func (s *ConcurrentSigner) SetCertificateChainDER(ders [][]byte) error {
	chain := make([]*x509.Certificate, len(ders))
	for i, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			cerr := &CertificateError{Index: i, Err: fmt.Errorf("%w: %w", ErrInvalidCertificate, err)}
			s.auditChain("", len(ders), cerr)
			return cerr
		}
		chain[i] = cert
	}
	return s.SetCertificateChain(chain)
}

func (s *ConcurrentSigner) auditChain(subject string, n int, err error) {
	if aerr := audit.LogCertChainSet(s.name, subject, n, err); aerr != nil {
		logf("%s: %v", s.name, aerr)
	}
}

// Certificate returns the leaf certificate, or nil without a chain.
func (s *ConcurrentSigner) Certificate() *x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain) == 0 {
		return nil
	}
	return s.chain[0]
}

// CertificateHolder returns the leaf holder, or nil without a chain.
func (s *ConcurrentSigner) CertificateHolder() *CertificateHolder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.holders) == 0 {
		return nil
	}
	return s.holders[0]
}

// CertificateChain returns a copy of the chain, leaf first.
func (s *ConcurrentSigner) CertificateChain() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chain == nil {
		return nil
	}
	return append([]*x509.Certificate(nil), s.chain...)
}

// CertificateChainHolders returns a copy of the holder list, leaf first.
func (s *ConcurrentSigner) CertificateChainHolders() []*CertificateHolder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.holders == nil {
		return nil
	}
	return append([]*CertificateHolder(nil), s.holders...)
}

// Borrow takes an idle backend, waiting up to the default borrow timeout.
func (s *ConcurrentSigner) Borrow(ctx context.Context) (*Handle, error) {
	return s.pool.Borrow(ctx)
}

// BorrowTimeout takes an idle backend, waiting up to d (zero waits forever).
func (s *ConcurrentSigner) BorrowTimeout(ctx context.Context, d time.Duration) (*Handle, error) {
	return s.pool.BorrowTimeout(ctx, d)
}

// Return gives a borrowed backend back.
func (s *ConcurrentSigner) Return(h *Handle) error {
	return s.pool.Return(h)
}

// Sign borrows a backend, signs message and returns the backend.
func (s *ConcurrentSigner) Sign(ctx context.Context, message []byte) (sig []byte, err error) {
	h, err := s.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := s.pool.Return(h); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return h.Sign(message)
}

// IsHealthy signs a fixed message with one backend.
func (s *ConcurrentSigner) IsHealthy(ctx context.Context) bool {
	ok, reason := s.pool.healthCheck(ctx)
	if err := audit.LogHealthCheck(s.name, s.algName, ok, reason); err != nil {
		logf("%s: %v", s.name, err)
	}
	return ok
}

// Stats reports idle and busy backend counts.
func (s *ConcurrentSigner) Stats() (idle, busy int) {
	return s.pool.Stats()
}

// Size returns the number of backends.
func (s *ConcurrentSigner) Size() int {
	return s.pool.Size()
}

// Close closes the pool following the configured ClosePolicy. Subsequent
// calls return nil.
func (s *ConcurrentSigner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.pool.Close()
	if aerr := audit.LogSignerClosed(s.name, s.policy.String(), err); aerr != nil {
		logf("%s: %v", s.name, aerr)
	}
	return err
}
