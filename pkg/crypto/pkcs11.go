//go:build cgo

package crypto

import (
	"context"
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA keys are still accepted for signing
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
	"golang.org/x/sync/errgroup"
)

// pkcs11Token owns the module context and login shared by the signing
// sessions of one key. The module is finalized when the last session closes.
type pkcs11Token struct {
	mu       sync.Mutex
	ctx      *pkcs11.Ctx
	slotID   uint
	loggedIn bool
	open     int
}

// PKCS11ContentSigner signs on a dedicated PKCS#11 session. Sessions are not
// safe for concurrent use, so each signer must be used by one caller at a time.
type PKCS11ContentSigner struct {
	token   *pkcs11Token
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	id      AlgorithmIdentifier
	alg     SignatureAlgorithm
	pub     crypto.PublicKey
	closed  bool
}

var _ ContentSigner = (*PKCS11ContentSigner)(nil)

// NewPKCS11ContentSigners opens cfg.Sessions sessions on the token, locates
// the private key and resolves the signature algorithm from cfg.Signer and
// the key's public half. Sessions beyond the first are opened concurrently.
func NewPKCS11ContentSigners(ctx context.Context, cfg PKCS11Config) ([]ContentSigner, crypto.PublicKey, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}

	p11 := pkcs11.New(cfg.ModulePath)
	if p11 == nil {
		return nil, nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := p11.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			p11.Destroy()
			return nil, nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
		}
	}

	slotID, err := findSlot(p11, cfg)
	if err != nil {
		p11.Destroy()
		return nil, nil, fmt.Errorf("failed to find slot: %w", err)
	}
	token := &pkcs11Token{ctx: p11, slotID: slotID}

	first, err := token.openSession(cfg.PIN)
	if err != nil {
		token.release()
		return nil, nil, err
	}

	keyHandle, err := findPrivateKey(p11, first, cfg)
	if err != nil {
		_ = token.closeSession(first)
		return nil, nil, fmt.Errorf("failed to find private key: %w", err)
	}
	pub, err := extractPublicKey(p11, first, keyHandle)
	if err != nil {
		_ = token.closeSession(first)
		return nil, nil, fmt.Errorf("failed to extract public key: %w", err)
	}
	id, err := IdentifierForConfig(pub, cfg.Signer)
	if err != nil {
		_ = token.closeSession(first)
		return nil, nil, err
	}
	alg, err := SignatureAlgorithmOf(id)
	if err == nil {
		err = checkPKCS11Algorithm(alg)
	}
	if err != nil {
		_ = token.closeSession(first)
		return nil, nil, err
	}

	sessions := make([]pkcs11.SessionHandle, cfg.Sessions)
	sessions[0] = first
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i < cfg.Sessions; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := token.openSession(cfg.PIN)
			if err != nil {
				return err
			}
			sessions[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != 0 {
				_ = token.closeSession(s)
			}
		}
		return nil, nil, fmt.Errorf("failed to open signing sessions: %w", err)
	}

	signers := make([]ContentSigner, len(sessions))
	for i, s := range sessions {
		signers[i] = &PKCS11ContentSigner{
			token:   token,
			session: s,
			key:     keyHandle,
			id:      id,
			alg:     alg,
			pub:     pub,
		}
	}
	return signers, pub, nil
}

// openSession opens a session and logs in once per token.
func (t *pkcs11Token) openSession(pin string) (pkcs11.SessionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, err := t.ctx.OpenSession(t.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, fmt.Errorf("failed to open session: %w", err)
	}
	t.open++

	// Login is per-token, not per-session
	if pin != "" && !t.loggedIn {
		if err := t.ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
			if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				_ = t.ctx.CloseSession(session)
				t.open--
				return 0, fmt.Errorf("failed to login: %w", err)
			}
		}
		t.loggedIn = true
	}
	return session, nil
}

// closeSession closes one session; the last one out logs out and finalizes.
func (t *pkcs11Token) closeSession(session pkcs11.SessionHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.open == 1 && t.loggedIn {
		if err := t.ctx.Logout(session); err != nil {
			if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_NOT_LOGGED_IN {
				errs = append(errs, fmt.Errorf("logout: %w", err))
			}
		}
		t.loggedIn = false
	}
	if err := t.ctx.CloseSession(session); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	t.open--
	if t.open == 0 {
		t.finalizeLocked()
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing session: %v", errs)
	}
	return nil
}

func (t *pkcs11Token) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == 0 {
		t.finalizeLocked()
	}
}

func (t *pkcs11Token) finalizeLocked() {
	if t.ctx == nil {
		return
	}
	_ = t.ctx.Finalize()
	t.ctx.Destroy()
	t.ctx = nil
}

// AlgorithmIdentifier implements ContentSigner.
func (s *PKCS11ContentSigner) AlgorithmIdentifier() AlgorithmIdentifier {
	return s.id
}

// Public returns the public key read from the token.
func (s *PKCS11ContentSigner) Public() crypto.PublicKey {
	return s.pub
}

// Sign hashes message in software and signs the digest on the token.
func (s *PKCS11ContentSigner) Sign(message []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrBackendClosed
	}
	digest, err := s.alg.Hash.Digest(message)
	if err != nil {
		return nil, err
	}

	var mech *pkcs11.Mechanism
	data := digest
	switch s.alg.Family {
	case FamilyRSA:
		// CKM_RSA_PKCS expects a DigestInfo
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		data, err = asn1.Marshal(digestInfo{Algorithm: digestIdentifier(s.alg.Hash), Digest: digest})
		if err != nil {
			return nil, fmt.Errorf("failed to encode DigestInfo: %w", err)
		}
	case FamilyRSAPSS:
		hashMech, mgf, ok := pssMechanisms(s.alg.Hash)
		if !ok {
			return nil, newAlgorithmError("sign", s.alg.String(), ErrUnsupportedAlgorithm)
		}
		params := pkcs11.NewPSSParams(hashMech, mgf, uint(s.alg.Hash.Size()))
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
	case FamilyECDSA, FamilyPlainECDSA:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	case FamilyDSA:
		mech = pkcs11.NewMechanism(pkcs11.CKM_DSA, nil)
		if k, ok := s.pub.(*dsa.PublicKey); ok {
			data = truncateDigest(digest, k.Q)
		}
	default:
		return nil, newAlgorithmError("sign", s.alg.String(), ErrUnsupportedAlgorithm)
	}

	ctx := s.token.ctx
	if err := ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, s.key); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	sig, err := ctx.Sign(s.session, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	switch s.alg.Family {
	case FamilyECDSA, FamilyDSA:
		// Tokens return raw r||s
		return rawToDER(sig)
	case FamilyPlainECDSA:
		if len(sig)%2 != 0 {
			return nil, fmt.Errorf("invalid ECDSA signature length")
		}
	}
	return sig, nil
}

// Close closes the signer's session.
func (s *PKCS11ContentSigner) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.token.closeSession(s.session)
}

type digestInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	Digest    []byte
}

func pssMechanisms(h HashAlgorithm) (hashMech, mgf uint, ok bool) {
	switch h {
	case SHA1:
		return pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1, true
	case SHA224:
		return pkcs11.CKM_SHA224, pkcs11.CKG_MGF1_SHA224, true
	case SHA256:
		return pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, true
	case SHA384:
		return pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, true
	case SHA512:
		return pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, true
	}
	return 0, 0, false
}

// rawToDER converts raw r||s to an ASN.1 SEQUENCE of two INTEGERs.
func rawToDER(rawSig []byte) ([]byte, error) {
	if len(rawSig) == 0 || len(rawSig)%2 != 0 {
		return nil, fmt.Errorf("invalid raw signature length %d", len(rawSig))
	}
	n := len(rawSig) / 2
	r := new(big.Int).SetBytes(rawSig[:n])
	s := new(big.Int).SetBytes(rawSig[n:])
	return asn1.Marshal(dsaSignature{R: r, S: s})
}

// findSlot finds the slot matching the configuration.
func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with tokens found")
	}

	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if cfg.TokenLabel != "" && info.Label == cfg.TokenLabel {
			return slot, nil
		}
		if cfg.TokenSerial != "" && info.SerialNumber == cfg.TokenSerial {
			return slot, nil
		}
	}

	if cfg.TokenLabel != "" {
		return 0, fmt.Errorf("token with label %q not found", cfg.TokenLabel)
	}
	if cfg.TokenSerial != "" {
		return 0, fmt.Errorf("token with serial %q not found", cfg.TokenSerial)
	}
	return slots[0], nil
}

// findPrivateKey finds the private key matching the configuration.
func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return 0, fmt.Errorf("invalid key_id hex: %w", err)
		}
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to find objects: %w", err)
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("private key not found")
	}
	if len(objs) > 1 {
		return 0, fmt.Errorf("multiple keys found, please specify both key_label and key_id")
	}
	return objs[0], nil
}

// findPublicKeyForPrivate finds the public key object sharing ID, label and type.
func findPublicKeyForPrivate(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, privHandle pkcs11.ObjectHandle) (pkcs11.ObjectHandle, error) {
	attrs, err := ctx.GetAttributeValue(session, privHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get private key ID/label/type: %w", err)
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, attrs[0].Value),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, attrs[1].Value),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, attrs[2].Value),
	}
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("failed to init find public key: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to find public key: %w", err)
	}
	if len(objs) == 0 {
		return 0, fmt.Errorf("public key not found for private key")
	}
	return objs[0], nil
}

// extractPublicKey reads the public half of an RSA, EC or DSA key.
func extractPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get key type: %w", err)
	}

	switch keyType := bytesToUint(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		return extractECPublicKey(ctx, session, keyHandle)
	case pkcs11.CKK_RSA:
		return extractRSAPublicKey(ctx, session, keyHandle)
	case pkcs11.CKK_DSA:
		return extractDSAPublicKey(ctx, session, keyHandle)
	default:
		return nil, fmt.Errorf("%w: PKCS#11 key type 0x%X", ErrUnknownKeyType, keyType)
	}
}

func extractECPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, keyHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get EC params: %w", err)
	}
	curve, err := parseECParams(attrs[0].Value)
	if err != nil {
		return nil, err
	}

	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, err
	}
	pubAttrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get EC point: %w", err)
	}

	// CKA_EC_POINT is usually a DER OCTET STRING around the uncompressed point
	point := pubAttrs[0].Value
	var unwrapped []byte
	if rest, err := asn1.Unmarshal(point, &unwrapped); err == nil && len(rest) == 0 {
		point = unwrapped
	}

	//nolint:staticcheck // elliptic.Unmarshal is deprecated for ECDH but we need ECDSA
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, fmt.Errorf("failed to unmarshal EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func extractRSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, err
	}
	attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get RSA attributes: %w", err)
	}

	// RSA public exponent is a big integer (big-endian), not CK_ULONG
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}, nil
}

func extractDSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, keyHandle pkcs11.ObjectHandle) (crypto.PublicKey, error) {
	pubHandle, err := findPublicKeyForPrivate(ctx, session, keyHandle)
	if err != nil {
		return nil, err
	}
	attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_PRIME, nil),
		pkcs11.NewAttribute(pkcs11.CKA_SUBPRIME, nil),
		pkcs11.NewAttribute(pkcs11.CKA_BASE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get DSA attributes: %w", err)
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{
			P: new(big.Int).SetBytes(attrs[0].Value),
			Q: new(big.Int).SetBytes(attrs[1].Value),
			G: new(big.Int).SetBytes(attrs[2].Value),
		},
		Y: new(big.Int).SetBytes(attrs[3].Value),
	}, nil
}

// parseECParams maps the DER encoded curve OID to a Go curve.
func parseECParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch CurveName(oid) {
	case "secp224r1":
		return elliptic.P224(), nil
	case "prime256v1":
		return elliptic.P256(), nil
	case "secp384r1":
		return elliptic.P384(), nil
	case "secp521r1":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported EC curve OID: %v", oid)
	}
}

// bytesToUint converts a byte slice to uint for CK_ULONG values.
// CK_ULONG is stored in native byte order (little-endian on x86/ARM).
func bytesToUint(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}

// SlotInfo describes a PKCS#11 slot.
type SlotInfo struct {
	ID           uint
	Description  string
	TokenLabel   string
	TokenSerial  string
	Manufacturer string
	HasToken     bool
}

// ListHSMSlots lists the slots of a PKCS#11 module.
func ListHSMSlots(modulePath string) ([]SlotInfo, error) {
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", modulePath)
	}
	defer ctx.Destroy()

	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			return nil, fmt.Errorf("failed to initialize: %w", err)
		}
	}

	slots, err := ctx.GetSlotList(false)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot list: %w", err)
	}

	out := make([]SlotInfo, 0, len(slots))
	for _, slot := range slots {
		slotInfo, err := ctx.GetSlotInfo(slot)
		if err != nil {
			continue
		}
		si := SlotInfo{
			ID:          slot,
			Description: slotInfo.SlotDescription,
			HasToken:    slotInfo.Flags&pkcs11.CKF_TOKEN_PRESENT != 0,
		}
		if si.HasToken {
			if tokenInfo, err := ctx.GetTokenInfo(slot); err == nil {
				si.TokenLabel = tokenInfo.Label
				si.TokenSerial = tokenInfo.SerialNumber
				si.Manufacturer = tokenInfo.ManufacturerID
			}
		}
		out = append(out, si)
	}
	return out, nil
}
