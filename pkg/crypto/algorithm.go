// Package crypto provides the signature algorithm registry and signing backends
// for the signing core. It maps algorithm names, key types and X.509
// AlgorithmIdentifiers onto each other and signs with software keys or
// PKCS#11 tokens.
package crypto

import (
	"encoding/asn1"
	"fmt"
)

// Family is the key/encoding family of a signature algorithm.
type Family int

// Supported signature families.
const (
	FamilyUnknown Family = iota
	FamilyRSA
	FamilyRSAPSS
	FamilyECDSA
	FamilyPlainECDSA
	FamilyDSA
)

// keyword is the suffix used in canonical names ("<Hash>with<keyword>").
func (f Family) keyword() string {
	switch f {
	case FamilyRSA:
		return "RSA"
	case FamilyRSAPSS:
		return "RSAandMGF1"
	case FamilyECDSA:
		return "ECDSA"
	case FamilyPlainECDSA:
		return "PlainECDSA"
	case FamilyDSA:
		return "DSA"
	default:
		return ""
	}
}

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyRSAPSS:
		return "RSASSA-PSS"
	case FamilyUnknown:
		return "unknown"
	default:
		return f.keyword()
	}
}

// SignatureAlgorithm is a (family, digest) pair. Only pairs present in the
// algorithm table are valid.
type SignatureAlgorithm struct {
	Family Family
	Hash   HashAlgorithm
}

// signatureOIDs is the single edit point for non-PSS algorithms.
// RSASSA-PSS shares one OID and carries its digest in the parameters.
var signatureOIDs = map[SignatureAlgorithm]asn1.ObjectIdentifier{
	{FamilyRSA, SHA1}:     OIDSHA1WithRSA,
	{FamilyRSA, SHA224}:   OIDSHA224WithRSA,
	{FamilyRSA, SHA256}:   OIDSHA256WithRSA,
	{FamilyRSA, SHA384}:   OIDSHA384WithRSA,
	{FamilyRSA, SHA512}:   OIDSHA512WithRSA,
	{FamilyRSA, SHA3_224}: OIDSHA3_224WithRSA,
	{FamilyRSA, SHA3_256}: OIDSHA3_256WithRSA,
	{FamilyRSA, SHA3_384}: OIDSHA3_384WithRSA,
	{FamilyRSA, SHA3_512}: OIDSHA3_512WithRSA,

	{FamilyECDSA, SHA1}:     OIDECDSAWithSHA1,
	{FamilyECDSA, SHA224}:   OIDECDSAWithSHA224,
	{FamilyECDSA, SHA256}:   OIDECDSAWithSHA256,
	{FamilyECDSA, SHA384}:   OIDECDSAWithSHA384,
	{FamilyECDSA, SHA512}:   OIDECDSAWithSHA512,
	{FamilyECDSA, SHA3_224}: OIDECDSAWithSHA3_224,
	{FamilyECDSA, SHA3_256}: OIDECDSAWithSHA3_256,
	{FamilyECDSA, SHA3_384}: OIDECDSAWithSHA3_384,
	{FamilyECDSA, SHA3_512}: OIDECDSAWithSHA3_512,

	{FamilyPlainECDSA, SHA1}:     OIDPlainECDSAWithSHA1,
	{FamilyPlainECDSA, SHA224}:   OIDPlainECDSAWithSHA224,
	{FamilyPlainECDSA, SHA256}:   OIDPlainECDSAWithSHA256,
	{FamilyPlainECDSA, SHA384}:   OIDPlainECDSAWithSHA384,
	{FamilyPlainECDSA, SHA512}:   OIDPlainECDSAWithSHA512,
	{FamilyPlainECDSA, SHA3_224}: OIDPlainECDSAWithSHA3_224,
	{FamilyPlainECDSA, SHA3_256}: OIDPlainECDSAWithSHA3_256,
	{FamilyPlainECDSA, SHA3_384}: OIDPlainECDSAWithSHA3_384,
	{FamilyPlainECDSA, SHA3_512}: OIDPlainECDSAWithSHA3_512,

	{FamilyDSA, SHA1}:     OIDDSAWithSHA1,
	{FamilyDSA, SHA224}:   OIDDSAWithSHA224,
	{FamilyDSA, SHA256}:   OIDDSAWithSHA256,
	{FamilyDSA, SHA384}:   OIDDSAWithSHA384,
	{FamilyDSA, SHA512}:   OIDDSAWithSHA512,
	{FamilyDSA, SHA3_224}: OIDDSAWithSHA3_224,
	{FamilyDSA, SHA3_256}: OIDDSAWithSHA3_256,
	{FamilyDSA, SHA3_384}: OIDDSAWithSHA3_384,
	{FamilyDSA, SHA3_512}: OIDDSAWithSHA3_512,
}

var (
	// algorithmByOID is the reverse of signatureOIDs.
	algorithmByOID map[string]SignatureAlgorithm

	// algorithmByName indexes every accepted spelling, normalized.
	algorithmByName map[string]SignatureAlgorithm

	allFamilies = []Family{FamilyRSA, FamilyRSAPSS, FamilyECDSA, FamilyPlainECDSA, FamilyDSA}
)

func init() {
	algorithmByOID = make(map[string]SignatureAlgorithm, len(signatureOIDs))
	for alg, oid := range signatureOIDs {
		algorithmByOID[oid.String()] = alg
	}

	algorithmByName = make(map[string]SignatureAlgorithm)
	for _, alg := range AllSignatureAlgorithms() {
		hashName := alg.Hash.Name()
		kw := alg.Family.keyword()
		algorithmByName[normalizeName(hashName+"with"+kw)] = alg
		if alg.Family != FamilyRSAPSS {
			algorithmByName[normalizeName(kw+"with"+hashName)] = alg
			algorithmByName[signatureOIDs[alg].String()] = alg
		}
	}
}

// AllSignatureAlgorithms lists every valid (family, hash) pair, ordered by
// family then digest.
func AllSignatureAlgorithms() []SignatureAlgorithm {
	out := make([]SignatureAlgorithm, 0, len(allFamilies)*len(allHashes))
	for _, f := range allFamilies {
		for _, h := range allHashes {
			alg := SignatureAlgorithm{f, h}
			if alg.IsValid() {
				out = append(out, alg)
			}
		}
	}
	return out
}

// IsValid reports whether the pair is in the algorithm table.
func (a SignatureAlgorithm) IsValid() bool {
	if a.Family == FamilyRSAPSS {
		return a.Hash.IsValid()
	}
	_, ok := signatureOIDs[a]
	return ok
}

// Name returns the canonical name, e.g. "SHA256withECDSA" or "SHA3-256withRSAandMGF1".
func (a SignatureAlgorithm) Name() string {
	if !a.IsValid() {
		return ""
	}
	return a.Hash.Name() + "with" + a.Family.keyword()
}

func (a SignatureAlgorithm) String() string {
	if n := a.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("invalid(%s,%s)", a.Family, a.Hash)
}

// OID returns the signature algorithm OID.
func (a SignatureAlgorithm) OID() asn1.ObjectIdentifier {
	if a.Family == FamilyRSAPSS {
		return OIDRSASSAPSS
	}
	return signatureOIDs[a]
}

// AlgorithmIdentifier encodes a as an X.509 AlgorithmIdentifier. PKCS#1 v1.5
// RSA carries an explicit NULL parameter, RSASSA-PSS carries RFC 4055
// parameters and every other family has no parameters.
func (a SignatureAlgorithm) AlgorithmIdentifier() (AlgorithmIdentifier, error) {
	if !a.IsValid() {
		return AlgorithmIdentifier{}, newAlgorithmError("encode", a.String(), ErrUnsupportedAlgorithm)
	}
	switch a.Family {
	case FamilyRSAPSS:
		return BuildRSAPSSIdentifier(a.Hash)
	case FamilyRSA:
		return AlgorithmIdentifier{Algorithm: a.OID(), Parameters: nullParameters()}, nil
	default:
		return AlgorithmIdentifier{Algorithm: a.OID()}, nil
	}
}

// SignatureAlgorithmOf decodes an AlgorithmIdentifier back to its (family, hash)
// pair. For RSASSA-PSS the digest is read from the parameters.
func SignatureAlgorithmOf(id AlgorithmIdentifier) (SignatureAlgorithm, error) {
	if id.Algorithm.Equal(OIDRSASSAPSS) {
		params, err := ParsePSSParameters(parameterBytes(id.Parameters))
		if err != nil {
			return SignatureAlgorithm{}, newAlgorithmError("decode", id.Algorithm.String(), err)
		}
		h, err := params.Hash()
		if err != nil {
			return SignatureAlgorithm{}, newAlgorithmError("decode", id.Algorithm.String(), err)
		}
		return SignatureAlgorithm{FamilyRSAPSS, h}, nil
	}
	alg, ok := algorithmByOID[id.Algorithm.String()]
	if !ok {
		return SignatureAlgorithm{}, newAlgorithmError("decode", id.Algorithm.String(), ErrUnsupportedAlgorithm)
	}
	return alg, nil
}

// LookupSignatureAlgorithm returns the pair for family and hash.
func LookupSignatureAlgorithm(f Family, h HashAlgorithm) (SignatureAlgorithm, error) {
	alg := SignatureAlgorithm{f, h}
	if !alg.IsValid() {
		return SignatureAlgorithm{}, newAlgorithmError("lookup", alg.String(), ErrUnsupportedAlgorithm)
	}
	return alg, nil
}
