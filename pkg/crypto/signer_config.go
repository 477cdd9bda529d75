package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SignatureAlgoControl tweaks how a key type plus digest maps to an algorithm.
// UseMGF1 selects RSASSA-PSS for RSA keys; UsePlainECDSA selects the r||s
// encoding for EC keys. Each flag is ignored for the other key types.
type SignatureAlgoControl struct {
	UseMGF1       bool `yaml:"use_mgf1"`
	UsePlainECDSA bool `yaml:"use_plain_ecdsa"`
}

// SignerConfig selects the signature algorithm for a signer. At least one of
// Algorithm and Hash must be set; an explicit Algorithm wins over Hash.
//
//	algorithm: SHA256withECDSA
//
// or
//
//	hash: SHA384
//	control:
//	  use_mgf1: true
type SignerConfig struct {
	Algorithm string                `yaml:"algorithm,omitempty"`
	Hash      string                `yaml:"hash,omitempty"`
	Control   *SignatureAlgoControl `yaml:"control,omitempty"`
}

// Validate checks that the configuration names an algorithm or a usable hash.
// Hash is only checked when it is the selection in effect.
func (c *SignerConfig) Validate() error {
	if c.Algorithm == "" && c.Hash == "" {
		return fmt.Errorf("%w: one of algorithm or hash is required", ErrInvalidConfig)
	}
	if c.Algorithm == "" {
		if _, err := ResolveHash(c.Hash); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// LoadSignerConfig reads a SignerConfig from a YAML file.
func LoadSignerConfig(path string) (*SignerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signer config file: %w", err)
	}
	return ParseSignerConfig(data)
}

// ParseSignerConfig decodes and validates YAML signer configuration.
func ParseSignerConfig(data []byte) (*SignerConfig, error) {
	var cfg SignerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse signer config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signer config: %w", err)
	}
	return &cfg, nil
}
