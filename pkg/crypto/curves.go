package crypto

import (
	"encoding/asn1"
	"sort"
	"strconv"
	"strings"
)

type namedCurve struct {
	name string
	oid  asn1.ObjectIdentifier
}

// curveTables lists the naming authorities in lookup priority order. A curve
// known under several names reports the name from the earliest table.
var curveTables = [][]namedCurve{
	// ANSI X9.62
	{
		{"prime192v1", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 1}},
		{"prime192v2", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 2}},
		{"prime192v3", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 3}},
		{"prime239v1", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 4}},
		{"prime239v2", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 5}},
		{"prime239v3", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 6}},
		{"prime256v1", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}},
	},
	// SEC 2
	{
		{"secp112r1", asn1.ObjectIdentifier{1, 3, 132, 0, 6}},
		{"secp112r2", asn1.ObjectIdentifier{1, 3, 132, 0, 7}},
		{"secp128r1", asn1.ObjectIdentifier{1, 3, 132, 0, 28}},
		{"secp128r2", asn1.ObjectIdentifier{1, 3, 132, 0, 29}},
		{"secp160k1", asn1.ObjectIdentifier{1, 3, 132, 0, 9}},
		{"secp160r1", asn1.ObjectIdentifier{1, 3, 132, 0, 8}},
		{"secp160r2", asn1.ObjectIdentifier{1, 3, 132, 0, 30}},
		{"secp192k1", asn1.ObjectIdentifier{1, 3, 132, 0, 31}},
		{"secp192r1", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 1}},
		{"secp224k1", asn1.ObjectIdentifier{1, 3, 132, 0, 32}},
		{"secp224r1", asn1.ObjectIdentifier{1, 3, 132, 0, 33}},
		{"secp256k1", asn1.ObjectIdentifier{1, 3, 132, 0, 10}},
		{"secp256r1", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}},
		{"secp384r1", asn1.ObjectIdentifier{1, 3, 132, 0, 34}},
		{"secp521r1", asn1.ObjectIdentifier{1, 3, 132, 0, 35}},
		{"sect163k1", asn1.ObjectIdentifier{1, 3, 132, 0, 1}},
		{"sect163r2", asn1.ObjectIdentifier{1, 3, 132, 0, 15}},
		{"sect233k1", asn1.ObjectIdentifier{1, 3, 132, 0, 26}},
		{"sect233r1", asn1.ObjectIdentifier{1, 3, 132, 0, 27}},
		{"sect283k1", asn1.ObjectIdentifier{1, 3, 132, 0, 16}},
		{"sect283r1", asn1.ObjectIdentifier{1, 3, 132, 0, 17}},
		{"sect409k1", asn1.ObjectIdentifier{1, 3, 132, 0, 36}},
		{"sect409r1", asn1.ObjectIdentifier{1, 3, 132, 0, 37}},
		{"sect571k1", asn1.ObjectIdentifier{1, 3, 132, 0, 38}},
		{"sect571r1", asn1.ObjectIdentifier{1, 3, 132, 0, 39}},
	},
	// TeleTrusT (RFC 5639)
	{
		{"brainpoolP160r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 1}},
		{"brainpoolP160t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 2}},
		{"brainpoolP192r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 3}},
		{"brainpoolP192t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 4}},
		{"brainpoolP224r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 5}},
		{"brainpoolP224t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 6}},
		{"brainpoolP256r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}},
		{"brainpoolP256t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 8}},
		{"brainpoolP320r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 9}},
		{"brainpoolP320t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 10}},
		{"brainpoolP384r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 11}},
		{"brainpoolP384t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 12}},
		{"brainpoolP512r1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 13}},
		{"brainpoolP512t1", asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 14}},
	},
	// NIST FIPS 186
	{
		{"P-192", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 1}},
		{"P-224", asn1.ObjectIdentifier{1, 3, 132, 0, 33}},
		{"P-256", asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}},
		{"P-384", asn1.ObjectIdentifier{1, 3, 132, 0, 34}},
		{"P-521", asn1.ObjectIdentifier{1, 3, 132, 0, 35}},
		{"B-163", asn1.ObjectIdentifier{1, 3, 132, 0, 15}},
		{"B-233", asn1.ObjectIdentifier{1, 3, 132, 0, 27}},
		{"B-283", asn1.ObjectIdentifier{1, 3, 132, 0, 17}},
		{"B-409", asn1.ObjectIdentifier{1, 3, 132, 0, 37}},
		{"B-571", asn1.ObjectIdentifier{1, 3, 132, 0, 39}},
		{"K-163", asn1.ObjectIdentifier{1, 3, 132, 0, 1}},
		{"K-233", asn1.ObjectIdentifier{1, 3, 132, 0, 26}},
		{"K-283", asn1.ObjectIdentifier{1, 3, 132, 0, 16}},
		{"K-409", asn1.ObjectIdentifier{1, 3, 132, 0, 36}},
		{"K-571", asn1.ObjectIdentifier{1, 3, 132, 0, 38}},
	},
}

var (
	curveOIDByName map[string]asn1.ObjectIdentifier // lower-cased name
	curveNameByOID map[string]string
)

func init() {
	curveOIDByName = make(map[string]asn1.ObjectIdentifier)
	curveNameByOID = make(map[string]string)
	for _, table := range curveTables {
		for _, c := range table {
			key := strings.ToLower(c.name)
			if _, dup := curveOIDByName[key]; !dup {
				curveOIDByName[key] = c.oid
			}
			if _, dup := curveNameByOID[c.oid.String()]; !dup {
				curveNameByOID[c.oid.String()] = c.name
			}
		}
	}
}

// CurveOID resolves a curve given as dotted OID or as a name from any of the
// naming authorities. It returns nil when nothing matches.
func CurveOID(nameOrOID string) asn1.ObjectIdentifier {
	s := strings.TrimSpace(nameOrOID)
	if oid, ok := ParseOID(s); ok {
		return oid
	}
	if oid, ok := curveOIDByName[strings.ToLower(s)]; ok {
		out := make(asn1.ObjectIdentifier, len(oid))
		copy(out, oid)
		return out
	}
	return nil
}

// CurveName returns the preferred name for oid, trying X9.62, SEC, TeleTrusT
// and NIST in that order. It returns "" for unknown curves.
func CurveName(oid asn1.ObjectIdentifier) string {
	return curveNameByOID[oid.String()]
}

// CurveNames returns every known curve name, sorted.
func CurveNames() []string {
	names := make([]string, 0, len(curveOIDByName))
	for _, table := range curveTables {
		for _, c := range table {
			names = append(names, c.name)
		}
	}
	sort.Strings(names)
	return names
}

// ParseOID parses dotted notation "a.b[.c...]" with a first arc of 0, 1 or 2.
func ParseOID(s string) (asn1.ObjectIdentifier, bool) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return nil, false
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		oid[i] = n
	}
	if oid[0] > 2 || (oid[0] < 2 && oid[1] > 39) {
		return nil, false
	}
	return oid, true
}
