package signer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

func newTestSigner(t *testing.T, opts ...Option) (*ConcurrentSigner, []*fakeSigner) {
	t.Helper()
	backends, fakes := fakeBackends(t, 2)
	s, err := NewConcurrentSigner(backends, opts...)
	if err != nil {
		t.Fatalf("NewConcurrentSigner() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fakes
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestU_NewConcurrentSigner(t *testing.T) {
	trail := captureAudit(t)

	pub := &ecdsa.PublicKey{}
	priv := "pkcs11:object=signing-key"
	s, _ := newTestSigner(t, WithName("tsa"), WithPublicKey(pub), WithPrivateKey(priv))

	if s.Name() != "tsa" {
		t.Errorf("Name() = %q, want tsa", s.Name())
	}
	if s.AlgorithmName() != "SHA256withECDSA" {
		t.Errorf("AlgorithmName() = %q, want SHA256withECDSA", s.AlgorithmName())
	}
	if !pkicrypto.AlgorithmIdentifiersEqual(s.AlgorithmIdentifier(), mustIdentifier(t, "SHA256withECDSA")) {
		t.Error("AlgorithmIdentifier() should come from the first backend")
	}
	if s.PublicKey() != pub {
		t.Error("PublicKey() should return the WithPublicKey value")
	}
	if s.PrivateKey() != priv {
		t.Error("PrivateKey() should return the WithPrivateKey value")
	}
	if s.Size() != 2 {
		t.Errorf("Size() = %d, want 2", s.Size())
	}
	if s.Certificate() != nil || s.CertificateHolder() != nil || s.CertificateChain() != nil {
		t.Error("a new signer has no certificate chain")
	}

	if n := countEvents(trail.Events(), audit.EventSignerCreated); n != 1 {
		t.Errorf("SIGNER_CREATED events = %d, want 1", n)
	}

	if _, err := NewConcurrentSigner(nil); !errors.Is(err, ErrNoBackends) {
		t.Errorf("NewConcurrentSigner(nil) error = %v, want ErrNoBackends", err)
	}
}

func TestU_NewConcurrentSigner_UnnamedAlgorithm(t *testing.T) {
	f := newFakeSigner(t)
	f.id = pkicrypto.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 3, 101, 112}}
	s, err := NewConcurrentSigner([]pkicrypto.ContentSigner{f})
	if err != nil {
		t.Fatalf("NewConcurrentSigner() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.AlgorithmName() != "1.3.101.112" {
		t.Errorf("AlgorithmName() = %q, want the dotted OID", s.AlgorithmName())
	}
}

// =============================================================================
// Certificate Chain Tests
// =============================================================================

func TestU_ConcurrentSigner_SetCertificateChain(t *testing.T) {
	trail := captureAudit(t)
	s, _ := newTestSigner(t)

	ca, caKey := generateCert(t, "Test CA", nil, nil)
	leaf, _ := generateCert(t, "Test Signer", ca, caKey)

	if err := s.SetCertificateChain([]*x509.Certificate{leaf, ca}); err != nil {
		t.Fatalf("SetCertificateChain() error = %v", err)
	}

	if s.Certificate() != leaf {
		t.Error("Certificate() should be the leaf")
	}
	if s.PublicKey() != leaf.PublicKey {
		t.Error("PublicKey() should come from the leaf")
	}

	holders := s.CertificateChainHolders()
	if len(holders) != 2 {
		t.Fatalf("len(CertificateChainHolders()) = %d, want 2", len(holders))
	}
	for i, cert := range []*x509.Certificate{leaf, ca} {
		h := holders[i]
		if !bytes.Equal(h.Raw, cert.Raw) {
			t.Errorf("holder %d Raw mismatch", i)
		}
		if !bytes.Equal(h.RawTBSCertificate, cert.RawTBSCertificate) {
			t.Errorf("holder %d TBS mismatch", i)
		}
		if !bytes.Equal(h.SignatureValue.RightAlign(), cert.Signature) {
			t.Errorf("holder %d signature mismatch", i)
		}
		if !h.SignatureAlgorithm.Algorithm.Equal(pkicrypto.OIDECDSAWithSHA256) {
			t.Errorf("holder %d signature algorithm = %s", i, h.SignatureAlgorithm.Algorithm)
		}
	}
	if s.CertificateHolder() != holders[0] {
		t.Error("CertificateHolder() should be the leaf holder")
	}

	chain := s.CertificateChain()
	chain[0] = nil
	if s.Certificate() != leaf {
		t.Error("CertificateChain() must return a copy")
	}

	if n := countEvents(trail.Events(), audit.EventCertChainSet); n != 1 {
		t.Errorf("SIGNER_CERT_CHAIN_SET events = %d, want 1", n)
	}
}

func TestU_ConcurrentSigner_ClearChainKeepsPublicKey(t *testing.T) {
	s, _ := newTestSigner(t)
	leaf, _ := generateCert(t, "Leaf", nil, nil)

	if err := s.SetCertificateChain([]*x509.Certificate{leaf}); err != nil {
		t.Fatalf("SetCertificateChain() error = %v", err)
	}
	if err := s.SetCertificateChain(nil); err != nil {
		t.Fatalf("SetCertificateChain(nil) error = %v", err)
	}

	if s.Certificate() != nil || s.CertificateChain() != nil || s.CertificateChainHolders() != nil {
		t.Error("an empty chain should clear the chain and its holders")
	}
	if s.PublicKey() != leaf.PublicKey {
		t.Error("clearing the chain must keep the public key")
	}
}

func TestU_ConcurrentSigner_SetCertificateChain_Invalid(t *testing.T) {
	s, _ := newTestSigner(t)
	good, _ := generateCert(t, "Good", nil, nil)
	if err := s.SetCertificateChain([]*x509.Certificate{good}); err != nil {
		t.Fatalf("SetCertificateChain() error = %v", err)
	}

	truncated := &x509.Certificate{Raw: good.Raw[:len(good.Raw)-5]}

	tests := []struct {
		name      string
		chain     []*x509.Certificate
		wantIndex int
	}{
		{"[Unit] nil leaf", []*x509.Certificate{nil}, 0},
		{"[Unit] empty raw", []*x509.Certificate{good, {}}, 1},
		{"[Unit] truncated DER", []*x509.Certificate{good, good, truncated}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetCertificateChain(tt.chain)
			if !errors.Is(err, ErrInvalidCertificate) {
				t.Fatalf("SetCertificateChain() error = %v, want ErrInvalidCertificate", err)
			}
			var certErr *CertificateError
			if !errors.As(err, &certErr) {
				t.Fatalf("error %v is not a *CertificateError", err)
			}
			if certErr.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", certErr.Index, tt.wantIndex)
			}

			// Previous state is untouched.
			if s.Certificate() != good || len(s.CertificateChain()) != 1 {
				t.Error("a failed SetCertificateChain must not change the chain")
			}
		})
	}
}

func TestU_ConcurrentSigner_SetCertificateChainDER(t *testing.T) {
	s, _ := newTestSigner(t)
	ca, caKey := generateCert(t, "CA", nil, nil)
	leaf, _ := generateCert(t, "Leaf", ca, caKey)

	if err := s.SetCertificateChainDER([][]byte{leaf.Raw, ca.Raw}); err != nil {
		t.Fatalf("SetCertificateChainDER() error = %v", err)
	}
	if got := s.Certificate(); got == nil || got.Subject.CommonName != "Leaf" {
		t.Errorf("Certificate() = %v, want Leaf", got)
	}

	err := s.SetCertificateChainDER([][]byte{leaf.Raw, []byte("junk")})
	var certErr *CertificateError
	if !errors.As(err, &certErr) || certErr.Index != 1 {
		t.Errorf("SetCertificateChainDER() error = %v, want CertificateError at index 1", err)
	}
}

func TestU_NewCertificateHolder_Malformed(t *testing.T) {
	leaf, _ := generateCert(t, "Leaf", nil, nil)

	tests := []struct {
		name string
		der  []byte
	}{
		{"[Unit] empty", nil},
		{"[Unit] trailing data", append(append([]byte(nil), leaf.Raw...), 0x00)},
		{"[Unit] not a sequence", []byte{0x04, 0x01, 0x00}},
		{"[Unit] missing signature", []byte{0x30, 0x02, 0x30, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCertificateHolder(tt.der); !errors.Is(err, ErrInvalidCertificate) {
				t.Errorf("NewCertificateHolder() error = %v, want ErrInvalidCertificate", err)
			}
		})
	}
}

func TestU_ConcurrentSigner_SetPublicKey(t *testing.T) {
	s, _ := newTestSigner(t)
	leaf, _ := generateCert(t, "Leaf", nil, nil)
	if err := s.SetCertificateChain([]*x509.Certificate{leaf}); err != nil {
		t.Fatalf("SetCertificateChain() error = %v", err)
	}

	other := &ecdsa.PublicKey{}
	s.SetPublicKey(other)
	if s.PublicKey() != other {
		t.Error("SetPublicKey() not applied")
	}
	if s.Certificate() != leaf {
		t.Error("SetPublicKey() must not touch the chain")
	}
}

// =============================================================================
// Signing and Lifecycle Tests
// =============================================================================

func TestU_ConcurrentSigner_Sign(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	id := mustIdentifier(t, "SHA256withPlainECDSA")
	backends, err := pkicrypto.NewSoftwareContentSigners(key, id, 3)
	if err != nil {
		t.Fatalf("NewSoftwareContentSigners() error = %v", err)
	}
	s, err := NewConcurrentSigner(backends, WithPublicKey(&key.PublicKey))
	if err != nil {
		t.Fatalf("NewConcurrentSigner() error = %v", err)
	}
	defer func() { _ = s.Close() }()

	msg := []byte("timestamp request")
	sig, err := s.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := pkicrypto.VerifySignature(s.PublicKey(), s.AlgorithmIdentifier(), msg, sig); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}
	if idle, busy := s.Stats(); idle != 3 || busy != 0 {
		t.Errorf("Stats() = %d idle, %d busy; Sign must return its signer", idle, busy)
	}

	h, err := s.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow() error = %v", err)
	}
	if err := s.Return(h); err != nil {
		t.Errorf("Return() error = %v", err)
	}
	if err := s.Return(h); !errors.Is(err, ErrPoolProtocolViolation) {
		t.Errorf("double Return() error = %v, want ErrPoolProtocolViolation", err)
	}
}

func TestU_ConcurrentSigner_SignBackendError(t *testing.T) {
	s, fakes := newTestSigner(t)
	for _, f := range fakes {
		f.err = errors.New("CKR_DEVICE_ERROR")
	}
	if _, err := s.Sign(context.Background(), []byte("m")); err == nil {
		t.Error("Sign() should surface the backend error")
	}
	if idle, _ := s.Stats(); idle != 2 {
		t.Error("a failed Sign must still return the signer")
	}
}

func TestU_ConcurrentSigner_IsHealthy(t *testing.T) {
	captureLog(t)
	trail := captureAudit(t)

	s, fakes := newTestSigner(t, WithName("ocsp"))
	if !s.IsHealthy(context.Background()) {
		t.Error("IsHealthy() = false for working backends")
	}
	for _, f := range fakes {
		f.sig = nil
	}
	if s.IsHealthy(context.Background()) {
		t.Error("IsHealthy() = true with empty signatures")
	}

	var results []audit.Result
	for _, e := range trail.Events() {
		if e.EventType == audit.EventHealthCheck {
			results = append(results, e.Result)
		}
	}
	if diff := cmp.Diff([]audit.Result{audit.ResultSuccess, audit.ResultFailure}, results); diff != "" {
		t.Errorf("health check audit results mismatch (-want +got):\n%s", diff)
	}
}

func TestU_ConcurrentSigner_Close(t *testing.T) {
	trail := captureAudit(t)

	backends, fakes := fakeBackends(t, 2)
	s, err := NewConcurrentSigner(backends, WithClosePolicy(ReleaseBackends))
	if err != nil {
		t.Fatalf("NewConcurrentSigner() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	for i, f := range fakes {
		if !f.closed.Load() {
			t.Errorf("backend %d not released", i)
		}
	}
	if _, err := s.Borrow(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Borrow() after Close error = %v, want ErrPoolClosed", err)
	}
	if _, err := s.Sign(context.Background(), []byte("m")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Sign() after Close error = %v, want ErrPoolClosed", err)
	}
	if n := countEvents(trail.Events(), audit.EventSignerClosed); n != 1 {
		t.Errorf("SIGNER_CLOSED events = %d, want 1", n)
	}
}
