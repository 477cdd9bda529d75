package crypto

// checkPKCS11Algorithm rejects algorithms the PKCS#11 backend cannot sign
// with. RSASSA-PSS needs a CKM/CKG pair for its digest, which the token
// interface only defines for SHA-1 and SHA-2.
func checkPKCS11Algorithm(alg SignatureAlgorithm) error {
	if alg.Family != FamilyRSAPSS {
		return nil
	}
	switch alg.Hash {
	case SHA1, SHA224, SHA256, SHA384, SHA512:
		return nil
	}
	return newAlgorithmError("pkcs11", alg.Name(), ErrUnsupportedAlgorithm)
}
