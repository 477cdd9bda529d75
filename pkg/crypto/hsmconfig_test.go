package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validHSMConfig() HSMConfig {
	return HSMConfig{
		Type: "pkcs11",
		PKCS11: PKCS11Settings{
			Lib:    "/usr/lib/softhsm/libsofthsm2.so",
			Token:  "signer",
			PinEnv: "QSIGN_TEST_PIN",
		},
		Signer: SignerConfig{Hash: "SHA256"},
	}
}

func TestU_HSMConfig_Validate(t *testing.T) {
	slot := uint(0)

	tests := []struct {
		name    string
		mutate  func(*HSMConfig)
		wantErr bool
	}{
		{"[Unit] valid", func(*HSMConfig) {}, false},
		{"[Unit] slot instead of token", func(c *HSMConfig) { c.PKCS11.Token = ""; c.PKCS11.Slot = &slot }, false},
		{"[Unit] serial instead of token", func(c *HSMConfig) { c.PKCS11.Token = ""; c.PKCS11.TokenSerial = "abc" }, false},
		{"[Unit] wrong type", func(c *HSMConfig) { c.Type = "kms" }, true},
		{"[Unit] missing lib", func(c *HSMConfig) { c.PKCS11.Lib = "" }, true},
		{"[Unit] no token selector", func(c *HSMConfig) { c.PKCS11.Token = "" }, true},
		{"[Unit] missing pin env", func(c *HSMConfig) { c.PKCS11.PinEnv = "" }, true},
		{"[Unit] negative sessions", func(c *HSMConfig) { c.PKCS11.Sessions = -1 }, true},
		{"[Unit] invalid signer", func(c *HSMConfig) { c.Signer = SignerConfig{} }, true},
		{"[Unit] PSS with SHA-2", func(c *HSMConfig) { c.Signer = SignerConfig{Algorithm: "SHA384withRSAandMGF1"} }, false},
		{"[Unit] PSS with SHA-3", func(c *HSMConfig) { c.Signer = SignerConfig{Algorithm: "SHA3-256withRSAandMGF1"} }, true},
		{"[Unit] unknown algorithm", func(c *HSMConfig) { c.Signer = SignerConfig{Algorithm: "MD5withRSA"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validHSMConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestU_HSMConfig_SessionCount(t *testing.T) {
	cfg := validHSMConfig()
	if got := cfg.SessionCount(); got != DefaultHSMSessions {
		t.Errorf("SessionCount() = %d, want %d", got, DefaultHSMSessions)
	}
	cfg.PKCS11.Sessions = 16
	if got := cfg.SessionCount(); got != 16 {
		t.Errorf("SessionCount() = %d, want 16", got)
	}
}

func TestU_LoadHSMConfig(t *testing.T) {
	data := []byte(`type: pkcs11
pkcs11:
  lib: /usr/lib/softhsm/libsofthsm2.so
  token: signer
  pin_env: QSIGN_TEST_PIN
  sessions: 8
signer:
  algorithm: SHA256withRSAandMGF1
`)
	path := filepath.Join(t.TempDir(), "hsm.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadHSMConfig(path)
	if err != nil {
		t.Fatalf("LoadHSMConfig() error = %v", err)
	}
	want := &HSMConfig{
		Type: "pkcs11",
		PKCS11: PKCS11Settings{
			Lib:      "/usr/lib/softhsm/libsofthsm2.so",
			Token:    "signer",
			PinEnv:   "QSIGN_TEST_PIN",
			Sessions: 8,
		},
		Signer: SignerConfig{Algorithm: "SHA256withRSAandMGF1"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestU_HSMConfig_ToPKCS11Config(t *testing.T) {
	cfg := validHSMConfig()

	t.Run("[Unit] PIN missing", func(t *testing.T) {
		t.Setenv("QSIGN_TEST_PIN", "")
		if _, err := cfg.ToPKCS11Config("key", ""); err == nil {
			t.Error("ToPKCS11Config() should fail without a PIN")
		}
	})

	t.Run("[Unit] PIN present", func(t *testing.T) {
		t.Setenv("QSIGN_TEST_PIN", "1234")
		got, err := cfg.ToPKCS11Config("signing-key", "")
		if err != nil {
			t.Fatalf("ToPKCS11Config() error = %v", err)
		}
		want := &PKCS11Config{
			ModulePath: "/usr/lib/softhsm/libsofthsm2.so",
			TokenLabel: "signer",
			PIN:        "1234",
			KeyLabel:   "signing-key",
			Sessions:   DefaultHSMSessions,
			Signer:     SignerConfig{Hash: "SHA256"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("PKCS11Config mismatch (-want +got):\n%s", diff)
		}
		if err := got.validate(); err != nil {
			t.Errorf("validate() error = %v", err)
		}
	})
}

func TestU_PKCS11Config_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  PKCS11Config
	}{
		{"[Unit] missing module", PKCS11Config{KeyLabel: "k", Sessions: 1, Signer: SignerConfig{Hash: "SHA256"}}},
		{"[Unit] missing key selector", PKCS11Config{ModulePath: "/lib.so", Sessions: 1, Signer: SignerConfig{Hash: "SHA256"}}},
		{"[Unit] zero sessions", PKCS11Config{ModulePath: "/lib.so", KeyLabel: "k", Signer: SignerConfig{Hash: "SHA256"}}},
		{"[Unit] invalid signer", PKCS11Config{ModulePath: "/lib.so", KeyLabel: "k", Sessions: 1}},
		{"[Unit] PSS with SHA-3", PKCS11Config{ModulePath: "/lib.so", KeyLabel: "k", Sessions: 1, Signer: SignerConfig{Algorithm: "SHA3-512withRSAandMGF1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestU_CheckPKCS11Algorithm(t *testing.T) {
	for _, alg := range AllSignatureAlgorithms() {
		isSHA3 := alg.Hash == SHA3_224 || alg.Hash == SHA3_256 || alg.Hash == SHA3_384 || alg.Hash == SHA3_512
		wantErr := alg.Family == FamilyRSAPSS && isSHA3
		t.Run("[Unit] "+alg.Name(), func(t *testing.T) {
			err := checkPKCS11Algorithm(alg)
			if (err != nil) != wantErr {
				t.Fatalf("checkPKCS11Algorithm() error = %v, wantErr %v", err, wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedAlgorithm) {
				t.Errorf("checkPKCS11Algorithm() error = %v, want ErrUnsupportedAlgorithm", err)
			}
		})
	}
}
