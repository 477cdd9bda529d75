//go:build !cgo

package crypto

import (
	"context"
	"crypto"
	"fmt"
)

// errNoCGO is returned when PKCS#11 operations are attempted without CGO.
var errNoCGO = fmt.Errorf("HSM support requires CGO (build with CGO_ENABLED=1)")

// SlotInfo describes a PKCS#11 slot.
type SlotInfo struct {
	ID           uint
	Description  string
	TokenLabel   string
	TokenSerial  string
	Manufacturer string
	HasToken     bool
}

// NewPKCS11ContentSigners is unavailable without CGO.
func NewPKCS11ContentSigners(_ context.Context, cfg PKCS11Config) ([]ContentSigner, crypto.PublicKey, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return nil, nil, errNoCGO
}

// ListHSMSlots is unavailable without CGO.
func ListHSMSlots(_ string) ([]SlotInfo, error) {
	return nil, errNoCGO
}
