package signer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

// fakeSigner is a scriptable ContentSigner that detects concurrent use.
type fakeSigner struct {
	id       pkicrypto.AlgorithmIdentifier
	sig      []byte
	err      error
	panicMsg string
	hold     time.Duration

	inUse      atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int64
	closed     atomic.Bool
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	return &fakeSigner{id: mustIdentifier(t, "SHA256withECDSA"), sig: []byte{0xAA}}
}

func (f *fakeSigner) AlgorithmIdentifier() pkicrypto.AlgorithmIdentifier { return f.id }

func (f *fakeSigner) Sign([]byte) ([]byte, error) {
	if f.inUse.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inUse.Add(-1)
	f.calls.Add(1)

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.sig, nil
}

func (f *fakeSigner) Close() error {
	f.closed.Store(true)
	return nil
}

// failingCloser reports an error from Close.
type failingCloser struct {
	*fakeSigner
}

func (f failingCloser) Close() error {
	return errors.New("token removed")
}

func fakeBackends(t *testing.T, n int) ([]pkicrypto.ContentSigner, []*fakeSigner) {
	t.Helper()
	fakes := make([]*fakeSigner, n)
	backends := make([]pkicrypto.ContentSigner, n)
	for i := range fakes {
		fakes[i] = newFakeSigner(t)
		backends[i] = fakes[i]
	}
	return backends, fakes
}

func mustIdentifier(t *testing.T, name string) pkicrypto.AlgorithmIdentifier {
	t.Helper()
	id, err := pkicrypto.IdentifierForName(name)
	if err != nil {
		t.Fatalf("IdentifierForName(%q) error = %v", name, err)
	}
	return id
}

// syncBuffer is a bytes.Buffer safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLog routes the package log into a buffer for the test.
func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	SetLogger(log.New(buf, "", 0))
	t.Cleanup(func() { SetLogger(nil) })
	return buf
}

// captureAudit installs an in-memory audit trail for the test.
func captureAudit(t *testing.T) *audit.MemoryWriter {
	t.Helper()
	m := audit.NewMemoryWriter()
	if err := audit.Init(m); err != nil {
		t.Fatalf("audit.Init() error = %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	return m
}

func countEvents(events []audit.Event, et audit.EventType) int {
	n := 0
	for _, e := range events {
		if e.EventType == et {
			n++
		}
	}
	return n
}

// generateCert creates an ECDSA certificate signed by parent (self-signed when
// parent is nil).
func generateCert(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("rand.Int() error = %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  parent == nil,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}

	issuer, signKey := tmpl, key
	if parent != nil {
		issuer, signKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer, &key.PublicKey, signKey)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate() error = %v", err)
	}
	return cert, key
}
