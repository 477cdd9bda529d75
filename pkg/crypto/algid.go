package crypto

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// AlgorithmIdentifier is the X.509 AlgorithmIdentifier: an OID plus optional
// DER parameters. Absent parameters and an explicit NULL are distinct.
type AlgorithmIdentifier = pkix.AlgorithmIdentifier

// derNull is the DER encoding of ASN.1 NULL.
var derNull = []byte{0x05, 0x00}

func nullParameters() asn1.RawValue {
	return asn1.RawValue{Tag: asn1.TagNull, FullBytes: derNull}
}

// HasNullParameters reports whether id carries an explicit ASN.1 NULL.
func HasNullParameters(id AlgorithmIdentifier) bool {
	return bytes.Equal(parameterBytes(id.Parameters), derNull)
}

// HasParameters reports whether id carries any parameters at all.
func HasParameters(id AlgorithmIdentifier) bool {
	return parameterBytes(id.Parameters) != nil
}

// parameterBytes returns the DER of p, or nil when p is absent.
func parameterBytes(p asn1.RawValue) []byte {
	if len(p.FullBytes) > 0 {
		return p.FullBytes
	}
	if p.Class == 0 && p.Tag == 0 && !p.IsCompound && len(p.Bytes) == 0 {
		return nil
	}
	der, err := asn1.Marshal(p)
	if err != nil {
		return nil
	}
	return der
}

// AlgorithmIdentifiersEqual compares OID and encoded parameters.
func AlgorithmIdentifiersEqual(a, b AlgorithmIdentifier) bool {
	return a.Algorithm.Equal(b.Algorithm) &&
		bytes.Equal(parameterBytes(a.Parameters), parameterBytes(b.Parameters))
}

// MarshalAlgorithmIdentifier returns the DER encoding of id.
func MarshalAlgorithmIdentifier(id AlgorithmIdentifier) ([]byte, error) {
	return asn1.Marshal(id)
}

// digestIdentifier returns the digest AlgorithmIdentifier with NULL parameters.
func digestIdentifier(h HashAlgorithm) AlgorithmIdentifier {
	return AlgorithmIdentifier{Algorithm: h.OID(), Parameters: nullParameters()}
}

// PSSParameters is RSASSA-PSS-params from RFC 4055. Fields equal to their
// DEFAULT (SHA-1, MGF1 with SHA-1, salt 20, trailer 1) are left zero so that
// the DER encoding omits them.
type PSSParameters struct {
	HashAlgorithm    pkix.AlgorithmIdentifier `asn1:"explicit,optional,tag:0"`
	MaskGenAlgorithm pkix.AlgorithmIdentifier `asn1:"explicit,optional,tag:1"`
	SaltLength       int                      `asn1:"explicit,optional,default:20,tag:2"`
	TrailerField     int                      `asn1:"explicit,optional,default:1,tag:3"`
}

// BuildPSSParameters returns the parameters used for "<Hash>withRSAandMGF1":
// MGF1 over the message digest, salt length equal to the digest length and
// the default trailer field.
func BuildPSSParameters(h HashAlgorithm) (PSSParameters, error) {
	if !h.IsValid() {
		return PSSParameters{}, newAlgorithmError("pss", h.String(), ErrUnsupportedAlgorithm)
	}
	p := PSSParameters{
		SaltLength:   h.Size(),
		TrailerField: 1,
	}
	if h != SHA1 {
		hashID := digestIdentifier(h)
		hashDER, err := asn1.Marshal(hashID)
		if err != nil {
			return PSSParameters{}, fmt.Errorf("failed to encode MGF1 hash: %w", err)
		}
		p.HashAlgorithm = hashID
		p.MaskGenAlgorithm = pkix.AlgorithmIdentifier{
			Algorithm:  OIDMGF1,
			Parameters: asn1.RawValue{FullBytes: hashDER},
		}
	}
	return p, nil
}

// BuildRSAPSSIdentifier returns the id-RSASSA-PSS identifier for h.
func BuildRSAPSSIdentifier(h HashAlgorithm) (AlgorithmIdentifier, error) {
	params, err := BuildPSSParameters(h)
	if err != nil {
		return AlgorithmIdentifier{}, err
	}
	der, err := asn1.Marshal(params)
	if err != nil {
		return AlgorithmIdentifier{}, fmt.Errorf("failed to encode RSASSA-PSS parameters: %w", err)
	}
	return AlgorithmIdentifier{
		Algorithm:  OIDRSASSAPSS,
		Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, FullBytes: der},
	}, nil
}

// ParsePSSParameters decodes RSASSA-PSS-params. An empty input means all defaults.
func ParsePSSParameters(der []byte) (PSSParameters, error) {
	var p PSSParameters
	if len(der) == 0 {
		return PSSParameters{SaltLength: 20, TrailerField: 1}, nil
	}
	rest, err := asn1.Unmarshal(der, &p)
	if err != nil {
		return PSSParameters{}, fmt.Errorf("%w: RSASSA-PSS: %v", ErrInvalidParameters, err)
	}
	if len(rest) > 0 {
		return PSSParameters{}, fmt.Errorf("%w: RSASSA-PSS: trailing data", ErrInvalidParameters)
	}
	if len(p.MaskGenAlgorithm.Algorithm) > 0 && !p.MaskGenAlgorithm.Algorithm.Equal(OIDMGF1) {
		return PSSParameters{}, fmt.Errorf("%w: unsupported mask generation function %s",
			ErrInvalidParameters, p.MaskGenAlgorithm.Algorithm)
	}
	return p, nil
}

// Hash returns the message digest named by the parameters.
func (p PSSParameters) Hash() (HashAlgorithm, error) {
	if len(p.HashAlgorithm.Algorithm) == 0 {
		return SHA1, nil
	}
	return HashFromOID(p.HashAlgorithm.Algorithm)
}

// MGF1Hash returns the digest used inside MGF1.
func (p PSSParameters) MGF1Hash() (HashAlgorithm, error) {
	if len(p.MaskGenAlgorithm.Algorithm) == 0 {
		return SHA1, nil
	}
	var inner pkix.AlgorithmIdentifier
	if _, err := asn1.Unmarshal(p.MaskGenAlgorithm.Parameters.FullBytes, &inner); err != nil {
		return HashUnknown, fmt.Errorf("%w: MGF1 parameters: %v", ErrInvalidParameters, err)
	}
	return HashFromOID(inner.Algorithm)
}
