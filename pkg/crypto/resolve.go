package crypto

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA keys are still accepted for signing
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"strings"
)

// IdentifierForName resolves a signature algorithm name to its identifier.
// Hyphens are ignored and matching is case-insensitive. Accepted forms are
// "<Hash>with<Key>", "<Key>with<Hash>", "<Hash>withRSAandMGF1" and the
// dotted OID of any non-PSS algorithm.
func IdentifierForName(name string) (AlgorithmIdentifier, error) {
	alg, err := signatureAlgorithmForName(name)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return alg.AlgorithmIdentifier()
}

func signatureAlgorithmForName(name string) (SignatureAlgorithm, error) {
	trimmed := strings.TrimSpace(name)
	if alg, ok := algorithmByName[trimmed]; ok {
		return alg, nil
	}
	if alg, ok := algorithmByName[normalizeName(trimmed)]; ok {
		return alg, nil
	}
	return SignatureAlgorithm{}, newAlgorithmError("resolve", name, ErrUnsupportedAlgorithm)
}

// AlgorithmName returns the canonical name of id.
func AlgorithmName(id AlgorithmIdentifier) (string, error) {
	alg, err := SignatureAlgorithmOf(id)
	if err != nil {
		return "", err
	}
	return alg.Name(), nil
}

// CanonicalizeAlgorithmName maps any accepted spelling to the canonical name,
// e.g. "ecdsawithsha-256" becomes "SHA256withECDSA".
func CanonicalizeAlgorithmName(name string) (string, error) {
	id, err := IdentifierForName(name)
	if err != nil {
		return "", err
	}
	return AlgorithmName(id)
}

// IdentifierForKey derives the identifier from the public key kind and a
// digest. A nil control behaves like the zero value.
func IdentifierForKey(pub crypto.PublicKey, h HashAlgorithm, ctl *SignatureAlgoControl) (AlgorithmIdentifier, error) {
	var c SignatureAlgoControl
	if ctl != nil {
		c = *ctl
	}

	var family Family
	switch pub.(type) {
	case *rsa.PublicKey:
		family = FamilyRSA
		if c.UseMGF1 {
			family = FamilyRSAPSS
		}
	case *ecdsa.PublicKey:
		family = FamilyECDSA
		if c.UsePlainECDSA {
			family = FamilyPlainECDSA
		}
	case *dsa.PublicKey:
		family = FamilyDSA
	default:
		return AlgorithmIdentifier{}, newAlgorithmError("key", fmt.Sprintf("%T", pub), ErrUnknownKeyType)
	}

	alg, err := LookupSignatureAlgorithm(family, h)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return alg.AlgorithmIdentifier()
}

// IdentifierForConfig resolves the configured algorithm. An explicit name
// wins; otherwise the digest and control flags are applied to pub.
func IdentifierForConfig(pub crypto.PublicKey, cfg SignerConfig) (AlgorithmIdentifier, error) {
	if err := cfg.Validate(); err != nil {
		return AlgorithmIdentifier{}, err
	}
	if cfg.Algorithm != "" {
		return IdentifierForName(cfg.Algorithm)
	}
	h, err := ResolveHash(cfg.Hash)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return IdentifierForKey(pub, h, cfg.Control)
}

// HashOf returns the message digest used by the signature algorithm id.
func HashOf(id AlgorithmIdentifier) (HashAlgorithm, error) {
	alg, err := SignatureAlgorithmOf(id)
	if err != nil {
		return HashUnknown, err
	}
	return alg.Hash, nil
}

// DigestIdentifierOf returns the digest AlgorithmIdentifier, with NULL
// parameters, of the signature algorithm id.
func DigestIdentifierOf(id AlgorithmIdentifier) (AlgorithmIdentifier, error) {
	h, err := HashOf(id)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	return digestIdentifier(h), nil
}

// FamilyOf classifies id, returning FamilyUnknown for foreign algorithms.
func FamilyOf(id AlgorithmIdentifier) Family {
	if id.Algorithm.Equal(OIDRSASSAPSS) {
		return FamilyRSAPSS
	}
	if alg, ok := algorithmByOID[id.Algorithm.String()]; ok {
		return alg.Family
	}
	return FamilyUnknown
}

// IsRSAIdentifier reports PKCS#1 v1.5 RSA and RSASSA-PSS.
func IsRSAIdentifier(id AlgorithmIdentifier) bool {
	f := FamilyOf(id)
	return f == FamilyRSA || f == FamilyRSAPSS
}

// IsECDSAIdentifier reports DER-encoded ECDSA only.
func IsECDSAIdentifier(id AlgorithmIdentifier) bool {
	return FamilyOf(id) == FamilyECDSA
}

// IsPlainECDSAIdentifier reports the r||s ECDSA encoding.
func IsPlainECDSAIdentifier(id AlgorithmIdentifier) bool {
	return FamilyOf(id) == FamilyPlainECDSA
}

// IsECIdentifier reports either ECDSA encoding.
func IsECIdentifier(id AlgorithmIdentifier) bool {
	f := FamilyOf(id)
	return f == FamilyECDSA || f == FamilyPlainECDSA
}

// IsDSAIdentifier reports DSA.
func IsDSAIdentifier(id AlgorithmIdentifier) bool {
	return FamilyOf(id) == FamilyDSA
}

// NamesEquivalent reports whether two algorithm names denote the same thing.
// Names match when equal ignoring case and hyphens, or when their sets of
// "AND"-separated tokens are equal, so "SHA256withRSAandMGF1" and
// "MGF1andSHA256withRSA" are equivalent.
func NamesEquivalent(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	a = strings.ReplaceAll(a, "-", "")
	b = strings.ReplaceAll(b, "-", "")
	if strings.EqualFold(a, b) {
		return true
	}

	ta, tb := nameTokens(a), nameTokens(b)
	if len(ta) != len(tb) {
		return false
	}
	for tok := range ta {
		if _, ok := tb[tok]; !ok {
			return false
		}
	}
	return true
}

func nameTokens(name string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Split(strings.ToUpper(name), "AND") {
		if strings.TrimSpace(tok) != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}
