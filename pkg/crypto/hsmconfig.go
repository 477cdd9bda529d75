package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultHSMSessions is the number of signing sessions opened when the
// configuration does not say otherwise.
const DefaultHSMSessions = 4

// HSMConfig represents the YAML configuration for an HSM-backed signer.
//
//	type: pkcs11
//	pkcs11:
//	  lib: /usr/lib/softhsm/libsofthsm2.so
//	  token: signer
//	  pin_env: HSM_PIN
//	  sessions: 8
//	signer:
//	  hash: SHA256
type HSMConfig struct {
	Type   string         `yaml:"type"`
	PKCS11 PKCS11Settings `yaml:"pkcs11"`
	Signer SignerConfig   `yaml:"signer"`
}

// PKCS11Settings holds PKCS#11 specific configuration.
type PKCS11Settings struct {
	// Lib is the path to the PKCS#11 library (.so/.dylib/.dll)
	Lib string `yaml:"lib"`

	// Token identifies the token by label
	Token string `yaml:"token"`

	// TokenSerial identifies the token by serial number
	TokenSerial string `yaml:"token_serial"`

	// Slot identifies the token by slot ID
	Slot *uint `yaml:"slot"`

	// PinEnv is the name of the environment variable containing the PIN
	PinEnv string `yaml:"pin_env"`

	// Sessions is the number of dedicated signing sessions
	Sessions int `yaml:"sessions"`
}

// LoadHSMConfig loads HSM configuration from a YAML file.
func LoadHSMConfig(path string) (*HSMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HSM config file: %w", err)
	}

	var cfg HSMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse HSM config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HSM config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the HSM configuration is valid.
func (c *HSMConfig) Validate() error {
	if c.Type != "pkcs11" {
		return fmt.Errorf("%w: unsupported HSM type %q (only 'pkcs11' is supported)", ErrInvalidConfig, c.Type)
	}
	if c.PKCS11.Lib == "" {
		return fmt.Errorf("%w: pkcs11.lib is required", ErrInvalidConfig)
	}
	if c.PKCS11.Token == "" && c.PKCS11.TokenSerial == "" && c.PKCS11.Slot == nil {
		return fmt.Errorf("%w: at least one of pkcs11.token, pkcs11.token_serial, or pkcs11.slot is required", ErrInvalidConfig)
	}
	if c.PKCS11.PinEnv == "" {
		return fmt.Errorf("%w: pkcs11.pin_env is required (PIN must be provided via environment variable)", ErrInvalidConfig)
	}
	if c.PKCS11.Sessions < 0 {
		return fmt.Errorf("%w: pkcs11.sessions must not be negative", ErrInvalidConfig)
	}
	return validatePKCS11Signer(c.Signer)
}

// SessionCount returns the configured session count or DefaultHSMSessions.
func (c *HSMConfig) SessionCount() int {
	if c.PKCS11.Sessions == 0 {
		return DefaultHSMSessions
	}
	return c.PKCS11.Sessions
}

// GetPIN retrieves the PIN from the environment variable.
func (c *HSMConfig) GetPIN() (string, error) {
	pin := os.Getenv(c.PKCS11.PinEnv)
	if pin == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", c.PKCS11.PinEnv)
	}
	return pin, nil
}

// ToPKCS11Config converts HSMConfig to the PKCS11Config used by the backend.
func (c *HSMConfig) ToPKCS11Config(keyLabel, keyID string) (*PKCS11Config, error) {
	pin, err := c.GetPIN()
	if err != nil {
		return nil, err
	}

	return &PKCS11Config{
		ModulePath:  c.PKCS11.Lib,
		TokenLabel:  c.PKCS11.Token,
		TokenSerial: c.PKCS11.TokenSerial,
		PIN:         pin,
		KeyLabel:    keyLabel,
		KeyID:       keyID,
		SlotID:      c.PKCS11.Slot,
		Sessions:    c.SessionCount(),
		Signer:      c.Signer,
	}, nil
}

// PKCS11Config holds what the PKCS#11 backend needs to open signing sessions.
type PKCS11Config struct {
	ModulePath  string
	TokenLabel  string
	TokenSerial string
	PIN         string
	KeyLabel    string
	KeyID       string // hex encoded CKA_ID
	SlotID      *uint
	Sessions    int
	Signer      SignerConfig
}

// validate checks the fields shared by the cgo and non-cgo builds.
func (c *PKCS11Config) validate() error {
	if c.ModulePath == "" {
		return fmt.Errorf("%w: PKCS#11 module path is required", ErrInvalidConfig)
	}
	if c.KeyLabel == "" && c.KeyID == "" {
		return fmt.Errorf("%w: at least one of key_label or key_id is required", ErrInvalidConfig)
	}
	if c.Sessions < 1 {
		return fmt.Errorf("%w: session count must be positive, got %d", ErrInvalidConfig, c.Sessions)
	}
	return validatePKCS11Signer(c.Signer)
}

// validatePKCS11Signer validates cfg and, when it names the algorithm, checks
// that the token interface can sign with it before any session is opened.
func validatePKCS11Signer(cfg SignerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Algorithm == "" {
		return nil
	}
	alg, err := signatureAlgorithmForName(cfg.Algorithm)
	if err == nil {
		err = checkPKCS11Algorithm(alg)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
