package crypto

import (
	"crypto/dsa" //nolint:staticcheck // DSA keys are still accepted for signing
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
	rsaKeyErr  error

	dsaKeyOnce sync.Once
	dsaKey     *dsa.PrivateKey
	dsaKeyErr  error
)

// testRSAKey returns a 2048-bit key shared by the package tests.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		rsaKey, rsaKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaKeyErr != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", rsaKeyErr)
	}
	return rsaKey
}

func testDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	dsaKeyOnce.Do(func() {
		k := new(dsa.PrivateKey)
		if dsaKeyErr = dsa.GenerateParameters(&k.Parameters, rand.Reader, dsa.L1024N160); dsaKeyErr != nil {
			return
		}
		if dsaKeyErr = dsa.GenerateKey(k, rand.Reader); dsaKeyErr != nil {
			return
		}
		dsaKey = k
	})
	if dsaKeyErr != nil {
		t.Fatalf("dsa key generation error = %v", dsaKeyErr)
	}
	return dsaKey
}

func testECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}
	return k
}

func mustIdentifier(t *testing.T, name string) AlgorithmIdentifier {
	t.Helper()
	id, err := IdentifierForName(name)
	if err != nil {
		t.Fatalf("IdentifierForName(%q) error = %v", name, err)
	}
	return id
}

func TestU_SoftwareContentSigner_SignVerify(t *testing.T) {
	rsaPriv := testRSAKey(t)
	p256 := testECKey(t, elliptic.P256())
	p384 := testECKey(t, elliptic.P384())
	p521 := testECKey(t, elliptic.P521())
	dsaPriv := testDSAKey(t)

	tests := []struct {
		name    string
		priv    any
		pub     any
		alg     string
		wantLen int // 0 when variable
	}{
		{"[Unit] RSA PKCS#1 v1.5", rsaPriv, &rsaPriv.PublicKey, "SHA256withRSA", 256},
		{"[Unit] RSA PSS SHA256", rsaPriv, &rsaPriv.PublicKey, "SHA256withRSAandMGF1", 256},
		{"[Unit] RSA PSS SHA1", rsaPriv, &rsaPriv.PublicKey, "SHA1withRSAandMGF1", 256},
		{"[Unit] ECDSA P-256", p256, &p256.PublicKey, "SHA256withECDSA", 0},
		{"[Unit] ECDSA SHA3", p256, &p256.PublicKey, "SHA3-256withECDSA", 0},
		{"[Unit] plain ECDSA P-256", p256, &p256.PublicKey, "SHA256withPlainECDSA", 64},
		{"[Unit] plain ECDSA P-384", p384, &p384.PublicKey, "SHA384withPlainECDSA", 96},
		{"[Unit] plain ECDSA P-521", p521, &p521.PublicKey, "SHA512withPlainECDSA", 132},
		{"[Unit] DSA SHA1", dsaPriv, &dsaPriv.PublicKey, "SHA1withDSA", 0},
		{"[Unit] DSA SHA256 truncated", dsaPriv, &dsaPriv.PublicKey, "SHA256withDSA", 0},
	}

	message := []byte("signing core test message")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := mustIdentifier(t, tt.alg)
			s, err := NewSoftwareContentSigner(tt.priv, id)
			if err != nil {
				t.Fatalf("NewSoftwareContentSigner() error = %v", err)
			}
			if !AlgorithmIdentifiersEqual(s.AlgorithmIdentifier(), id) {
				t.Error("AlgorithmIdentifier() differs from the bound identifier")
			}

			sig, err := s.Sign(message)
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}
			if tt.wantLen != 0 && len(sig) != tt.wantLen {
				t.Errorf("len(sig) = %d, want %d", len(sig), tt.wantLen)
			}
			if err := VerifySignature(tt.pub, id, message, sig); err != nil {
				t.Errorf("VerifySignature() error = %v", err)
			}
			if err := VerifySignature(tt.pub, id, []byte("other message"), sig); err == nil {
				t.Error("VerifySignature() should fail for another message")
			}
		})
	}
}

func TestU_SoftwareContentSigner_KeyMismatch(t *testing.T) {
	ec := testECKey(t, elliptic.P256())

	tests := []struct {
		name string
		priv any
		alg  string
	}{
		{"[Unit] EC key for RSA", ec, "SHA256withRSA"},
		{"[Unit] EC key for DSA", ec, "SHA256withDSA"},
		{"[Unit] RSA key for ECDSA", testRSAKey(t), "SHA256withECDSA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSoftwareContentSigner(tt.priv, mustIdentifier(t, tt.alg))
			if !errors.Is(err, ErrKeyMismatch) {
				t.Errorf("NewSoftwareContentSigner() error = %v, want ErrKeyMismatch", err)
			}
		})
	}

	_, err := NewSoftwareContentSigner(ec, AlgorithmIdentifier{Algorithm: OIDSHA256})
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("digest OID as signature algorithm: error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestU_SoftwareContentSigner_Close(t *testing.T) {
	s, err := NewSoftwareContentSigner(testECKey(t, elliptic.P256()), mustIdentifier(t, "SHA256withECDSA"))
	if err != nil {
		t.Fatalf("NewSoftwareContentSigner() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Sign([]byte("x")); !errors.Is(err, ErrBackendClosed) {
		t.Errorf("Sign() after Close error = %v, want ErrBackendClosed", err)
	}
}

func TestU_NewSoftwareContentSigners(t *testing.T) {
	key := testECKey(t, elliptic.P256())
	id := mustIdentifier(t, "SHA256withECDSA")

	signers, err := NewSoftwareContentSigners(key, id, 3)
	if err != nil {
		t.Fatalf("NewSoftwareContentSigners() error = %v", err)
	}
	if len(signers) != 3 {
		t.Fatalf("len = %d, want 3", len(signers))
	}
	if signers[0] == signers[1] {
		t.Error("each handle must be a distinct signer")
	}

	if _, err := NewSoftwareContentSigners(key, id, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("n=0 error = %v, want ErrInvalidConfig", err)
	}
}

func TestU_VerifySignature_WrongKeyType(t *testing.T) {
	ec := testECKey(t, elliptic.P256())
	id := mustIdentifier(t, "SHA256withRSA")
	if err := VerifySignature(&ec.PublicKey, id, []byte("m"), []byte("s")); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("VerifySignature() error = %v, want ErrKeyMismatch", err)
	}
}
