package crypto

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // SHA-1 stays resolvable for legacy signatures
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashAlgorithm identifies a message digest known to the registry.
type HashAlgorithm int

// Supported digests. The zero value is invalid.
const (
	HashUnknown HashAlgorithm = iota
	SHA1
	SHA224
	SHA256
	SHA384
	SHA512
	SHA3_224
	SHA3_256
	SHA3_384
	SHA3_512
)

type hashInfo struct {
	name       string
	oid        asn1.ObjectIdentifier
	size       int
	cryptoHash crypto.Hash
	newFn      func() hash.Hash
}

// hashTable is the single source of truth for digests.
var hashTable = map[HashAlgorithm]hashInfo{
	SHA1:     {"SHA1", OIDSHA1, 20, crypto.SHA1, sha1.New},
	SHA224:   {"SHA224", OIDSHA224, 28, crypto.SHA224, sha256.New224},
	SHA256:   {"SHA256", OIDSHA256, 32, crypto.SHA256, sha256.New},
	SHA384:   {"SHA384", OIDSHA384, 48, crypto.SHA384, sha512.New384},
	SHA512:   {"SHA512", OIDSHA512, 64, crypto.SHA512, sha512.New},
	SHA3_224: {"SHA3-224", OIDSHA3_224, 28, crypto.SHA3_224, sha3.New224},
	SHA3_256: {"SHA3-256", OIDSHA3_256, 32, crypto.SHA3_256, sha3.New256},
	SHA3_384: {"SHA3-384", OIDSHA3_384, 48, crypto.SHA3_384, sha3.New384},
	SHA3_512: {"SHA3-512", OIDSHA3_512, 64, crypto.SHA3_512, sha3.New512},
}

// allHashes keeps a deterministic iteration order.
var allHashes = []HashAlgorithm{SHA1, SHA224, SHA256, SHA384, SHA512, SHA3_224, SHA3_256, SHA3_384, SHA3_512}

// hashByKey indexes the registry by upper-cased, hyphen-free name and by dotted OID.
var hashByKey = func() map[string]HashAlgorithm {
	m := make(map[string]HashAlgorithm, 2*len(allHashes))
	for _, h := range allHashes {
		info := hashTable[h]
		m[normalizeName(info.name)] = h
		m[info.oid.String()] = h
	}
	return m
}()

// AllHashAlgorithms returns the supported digests in registry order.
func AllHashAlgorithms() []HashAlgorithm {
	out := make([]HashAlgorithm, len(allHashes))
	copy(out, allHashes)
	return out
}

// IsValid reports whether h is a registered digest.
func (h HashAlgorithm) IsValid() bool {
	_, ok := hashTable[h]
	return ok
}

// Name returns the canonical name, e.g. "SHA256" or "SHA3-256".
func (h HashAlgorithm) Name() string {
	if info, ok := hashTable[h]; ok {
		return info.name
	}
	return "unknown"
}

func (h HashAlgorithm) String() string {
	return h.Name()
}

// OID returns the digest algorithm OID, or nil for an invalid value.
func (h HashAlgorithm) OID() asn1.ObjectIdentifier {
	if info, ok := hashTable[h]; ok {
		return info.oid
	}
	return nil
}

// Size returns the digest output length in bytes.
func (h HashAlgorithm) Size() int {
	return hashTable[h].size
}

// CryptoHash returns the matching crypto.Hash.
func (h HashAlgorithm) CryptoHash() crypto.Hash {
	return hashTable[h].cryptoHash
}

// New returns a fresh hash.Hash for h.
func (h HashAlgorithm) New() (hash.Hash, error) {
	info, ok := hashTable[h]
	if !ok {
		return nil, fmt.Errorf("%w: hash %d", ErrUnsupportedAlgorithm, int(h))
	}
	return info.newFn(), nil
}

// Digest hashes data with h.
func (h HashAlgorithm) Digest(data []byte) ([]byte, error) {
	hh, err := h.New()
	if err != nil {
		return nil, err
	}
	_, _ = hh.Write(data)
	return hh.Sum(nil), nil
}

// ResolveHash looks a digest up by name. Matching ignores case and hyphens,
// so "sha-256", "SHA256" and "2.16.840.1.101.3.4.2.1" all resolve to SHA256.
func ResolveHash(name string) (HashAlgorithm, error) {
	key := strings.TrimSpace(name)
	if h, ok := hashByKey[key]; ok {
		return h, nil
	}
	if h, ok := hashByKey[normalizeName(key)]; ok {
		return h, nil
	}
	return HashUnknown, fmt.Errorf("%w: hash %q", ErrUnsupportedAlgorithm, name)
}

// HashFromOID returns the digest registered under oid.
func HashFromOID(oid asn1.ObjectIdentifier) (HashAlgorithm, error) {
	if h, ok := hashByKey[oid.String()]; ok {
		return h, nil
	}
	return HashUnknown, fmt.Errorf("%w: hash OID %s", ErrUnsupportedAlgorithm, oid)
}

// normalizeName upper-cases s and drops hyphens.
func normalizeName(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
}
