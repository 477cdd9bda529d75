package crypto

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA keys are still accepted for signing
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync/atomic"
)

// SoftwareContentSigner signs with an in-memory RSA, EC or DSA private key.
type SoftwareContentSigner struct {
	id     AlgorithmIdentifier
	alg    SignatureAlgorithm
	priv   crypto.PrivateKey
	rand   io.Reader
	closed atomic.Bool
}

var _ ContentSigner = (*SoftwareContentSigner)(nil)

// NewSoftwareContentSigner binds priv to id. The key kind must match the
// algorithm family.
func NewSoftwareContentSigner(priv crypto.PrivateKey, id AlgorithmIdentifier) (*SoftwareContentSigner, error) {
	alg, err := SignatureAlgorithmOf(id)
	if err != nil {
		return nil, err
	}
	if err := checkKeyFamily(priv, alg.Family); err != nil {
		return nil, err
	}
	return &SoftwareContentSigner{id: id, alg: alg, priv: priv, rand: rand.Reader}, nil
}

// NewSoftwareContentSigners provisions n independent signers over the same key.
func NewSoftwareContentSigners(priv crypto.PrivateKey, id AlgorithmIdentifier, n int) ([]ContentSigner, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: signer count must be positive, got %d", ErrInvalidConfig, n)
	}
	out := make([]ContentSigner, n)
	for i := range out {
		s, err := NewSoftwareContentSigner(priv, id)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func checkKeyFamily(priv crypto.PrivateKey, f Family) error {
	var ok bool
	switch f {
	case FamilyRSA, FamilyRSAPSS:
		_, ok = priv.(*rsa.PrivateKey)
	case FamilyECDSA, FamilyPlainECDSA:
		_, ok = priv.(*ecdsa.PrivateKey)
	case FamilyDSA:
		_, ok = priv.(*dsa.PrivateKey)
	}
	if !ok {
		return newAlgorithmError("key", fmt.Sprintf("%T for %s", priv, f), ErrKeyMismatch)
	}
	return nil
}

// AlgorithmIdentifier implements ContentSigner.
func (s *SoftwareContentSigner) AlgorithmIdentifier() AlgorithmIdentifier {
	return s.id
}

// Public returns the public half of the key.
func (s *SoftwareContentSigner) Public() crypto.PublicKey {
	switch k := s.priv.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	case *dsa.PrivateKey:
		return &k.PublicKey
	}
	return nil
}

// Sign hashes message and signs the digest.
func (s *SoftwareContentSigner) Sign(message []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrBackendClosed
	}
	digest, err := s.alg.Hash.Digest(message)
	if err != nil {
		return nil, err
	}

	switch s.alg.Family {
	case FamilyRSA:
		return rsa.SignPKCS1v15(s.rand, s.priv.(*rsa.PrivateKey), s.alg.Hash.CryptoHash(), digest)
	case FamilyRSAPSS:
		opts := &rsa.PSSOptions{SaltLength: s.alg.Hash.Size(), Hash: s.alg.Hash.CryptoHash()}
		return rsa.SignPSS(s.rand, s.priv.(*rsa.PrivateKey), s.alg.Hash.CryptoHash(), digest, opts)
	case FamilyECDSA:
		return ecdsa.SignASN1(s.rand, s.priv.(*ecdsa.PrivateKey), digest)
	case FamilyPlainECDSA:
		k := s.priv.(*ecdsa.PrivateKey)
		r, ss, err := ecdsa.Sign(s.rand, k, digest)
		if err != nil {
			return nil, err
		}
		return encodePlainSignature(r, ss, curveByteSize(&k.PublicKey)), nil
	case FamilyDSA:
		k := s.priv.(*dsa.PrivateKey)
		r, ss, err := dsa.Sign(s.rand, k, truncateDigest(digest, k.Q))
		if err != nil {
			return nil, err
		}
		return asn1.Marshal(dsaSignature{R: r, S: ss})
	default:
		return nil, newAlgorithmError("sign", s.alg.String(), ErrUnsupportedAlgorithm)
	}
}

// Close makes further Sign calls fail. The key itself is left untouched.
func (s *SoftwareContentSigner) Close() error {
	s.closed.Store(true)
	return nil
}

type dsaSignature struct {
	R, S *big.Int
}

func curveByteSize(pub *ecdsa.PublicKey) int {
	return (pub.Curve.Params().BitSize + 7) / 8
}

// encodePlainSignature concatenates r and s, each left-padded to size bytes.
func encodePlainSignature(r, s *big.Int, size int) []byte {
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

// truncateDigest keeps the leftmost bytes of digest that fit the DSA subgroup order.
func truncateDigest(digest []byte, q *big.Int) []byte {
	n := (q.BitLen() + 7) / 8
	if len(digest) > n {
		return digest[:n]
	}
	return digest
}

// VerifySignature checks sig over message against pub under id.
func VerifySignature(pub crypto.PublicKey, id AlgorithmIdentifier, message, sig []byte) error {
	alg, err := SignatureAlgorithmOf(id)
	if err != nil {
		return err
	}
	digest, err := alg.Hash.Digest(message)
	if err != nil {
		return err
	}

	switch alg.Family {
	case FamilyRSA, FamilyRSAPSS:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return newAlgorithmError("verify", fmt.Sprintf("%T", pub), ErrKeyMismatch)
		}
		if alg.Family == FamilyRSA {
			return rsa.VerifyPKCS1v15(k, alg.Hash.CryptoHash(), digest, sig)
		}
		opts := &rsa.PSSOptions{SaltLength: alg.Hash.Size(), Hash: alg.Hash.CryptoHash()}
		return rsa.VerifyPSS(k, alg.Hash.CryptoHash(), digest, sig, opts)
	case FamilyECDSA, FamilyPlainECDSA:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return newAlgorithmError("verify", fmt.Sprintf("%T", pub), ErrKeyMismatch)
		}
		if alg.Family == FamilyECDSA {
			if !ecdsa.VerifyASN1(k, digest, sig) {
				return fmt.Errorf("ECDSA signature verification failed")
			}
			return nil
		}
		size := curveByteSize(k)
		if len(sig) != 2*size {
			return fmt.Errorf("plain ECDSA signature must be %d bytes, got %d", 2*size, len(sig))
		}
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		if !ecdsa.Verify(k, digest, r, s) {
			return fmt.Errorf("plain ECDSA signature verification failed")
		}
		return nil
	case FamilyDSA:
		k, ok := pub.(*dsa.PublicKey)
		if !ok {
			return newAlgorithmError("verify", fmt.Sprintf("%T", pub), ErrKeyMismatch)
		}
		var ds dsaSignature
		if _, err := asn1.Unmarshal(sig, &ds); err != nil {
			return fmt.Errorf("invalid DSA signature encoding: %w", err)
		}
		if !dsa.Verify(k, truncateDigest(digest, k.Q), ds.R, ds.S) {
			return fmt.Errorf("DSA signature verification failed")
		}
		return nil
	default:
		return newAlgorithmError("verify", alg.String(), ErrUnsupportedAlgorithm)
	}
}
