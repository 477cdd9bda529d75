package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
	"github.com/remiblancher/qpki-signcore/pkg/signer"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign data with a pooled software key",
	Long: `Sign a file with a PEM private key through a pool of signers.

The algorithm is named with --algo or derived from the key type and --hash.
When both are given, --algo wins. For RSA keys --mgf1 selects RSASSA-PSS;
for EC keys --plain selects the r||s encoding. The signature is verified before it is written.

Examples:
  qsign sign --key key.pem --algo SHA256withECDSA --in doc.bin --out doc.sig
  qsign sign --key rsa.pem --hash SHA-384 --mgf1 --in doc.bin --base64`,
	RunE: runSign,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Health-check a pooled software signer",
	Long: `Build a signer pool from a PEM key and run a health check on it.

Examples:
  qsign health --key key.pem --hash SHA256`,
	RunE: runHealth,
}

var (
	signKeyPath   string
	signAlgo      string
	signHash      string
	signMGF1      bool
	signPlain     bool
	signInPath    string
	signOutPath   string
	signBase64    bool
	signPoolSize  int
	signCertPath  string
	signSignerCfg string
)

func init() {
	for _, c := range []*cobra.Command{signCmd, healthCmd} {
		c.Flags().StringVar(&signKeyPath, "key", "", "Path to PEM private key (required)")
		c.Flags().StringVar(&signAlgo, "algo", "", "Signature algorithm name (e.g. SHA256withRSA)")
		c.Flags().StringVar(&signHash, "hash", "", "Digest to combine with the key type (e.g. SHA256)")
		c.Flags().BoolVar(&signMGF1, "mgf1", false, "Use RSASSA-PSS for RSA keys")
		c.Flags().BoolVar(&signPlain, "plain", false, "Use plain r||s ECDSA for EC keys")
		c.Flags().StringVar(&signSignerCfg, "signer-config", "", "YAML signer configuration (instead of --algo/--hash)")
		c.Flags().IntVar(&signPoolSize, "pool-size", 1, "Number of pooled signers")
		_ = c.MarkFlagRequired("key")
	}

	signCmd.Flags().StringVar(&signInPath, "in", "", "File to sign (required)")
	signCmd.Flags().StringVar(&signOutPath, "out", "", "Signature output file (default: stdout)")
	signCmd.Flags().BoolVar(&signBase64, "base64", false, "Encode the signature as base64")
	signCmd.Flags().StringVar(&signCertPath, "cert", "", "PEM certificate chain, leaf first")
	_ = signCmd.MarkFlagRequired("in")
}

// signerConfigFromFlags builds the algorithm selection from the flags.
func signerConfigFromFlags() (pkicrypto.SignerConfig, error) {
	if signSignerCfg != "" {
		cfg, err := pkicrypto.LoadSignerConfig(signSignerCfg)
		if err != nil {
			return pkicrypto.SignerConfig{}, err
		}
		return *cfg, nil
	}
	cfg := pkicrypto.SignerConfig{Algorithm: signAlgo, Hash: signHash}
	if signMGF1 || signPlain {
		cfg.Control = &pkicrypto.SignatureAlgoControl{UseMGF1: signMGF1, UsePlainECDSA: signPlain}
	}
	return cfg, cfg.Validate()
}

// openSoftwareSigner loads the key and wraps signPoolSize software signers.
func openSoftwareSigner() (*signer.ConcurrentSigner, error) {
	cfg, err := signerConfigFromFlags()
	if err != nil {
		return nil, err
	}
	key, err := pkicrypto.LoadPrivateKey(signKeyPath)
	if err != nil {
		return nil, err
	}
	id, err := pkicrypto.IdentifierForConfig(key.Public(), cfg)
	if err != nil {
		return nil, err
	}
	backends, err := pkicrypto.NewSoftwareContentSigners(key, id, signPoolSize)
	if err != nil {
		return nil, err
	}

	s, err := signer.NewConcurrentSigner(backends,
		signer.WithName(signKeyPath),
		signer.WithPrivateKey(key),
		signer.WithPublicKey(key.Public()),
		signer.WithClosePolicy(signer.ReleaseBackends),
	)
	if err != nil {
		return nil, err
	}
	track(s)
	return s, nil
}

func runSign(cmd *cobra.Command, args []string) error {
	s, err := openSoftwareSigner()
	if err != nil {
		return err
	}
	if signCertPath != "" {
		chain, err := loadCertificateChain(signCertPath)
		if err != nil {
			return err
		}
		if !publicKeyMatches(chain[0], s.PublicKey()) {
			return fmt.Errorf("certificate %s does not match the signing key", chain[0].Subject)
		}
		if err := s.SetCertificateChain(chain); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(signInPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return signAndWrite(cmd, s, data)
}

// signAndWrite signs data, checks the signature against the signer's public
// key and writes it to --out or stdout.
func signAndWrite(cmd *cobra.Command, s *signer.ConcurrentSigner, data []byte) error {
	sig, err := s.Sign(cmd.Context(), data)
	if err != nil {
		return err
	}
	if err := pkicrypto.VerifySignature(s.PublicKey(), s.AlgorithmIdentifier(), data, sig); err != nil {
		return fmt.Errorf("signature self-check failed: %w", err)
	}

	out := sig
	if signBase64 {
		out = []byte(base64.StdEncoding.EncodeToString(sig) + "\n")
	}
	if signOutPath == "" {
		_, err := cmd.OutOrStdout().Write(out)
		return err
	}
	if err := os.WriteFile(signOutPath, out, 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Signed with %s (%d bytes) -> %s\n", s.AlgorithmName(), len(sig), signOutPath)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	s, err := openSoftwareSigner()
	if err != nil {
		return err
	}
	return reportHealth(cmd, s)
}

func reportHealth(cmd *cobra.Command, s *signer.ConcurrentSigner) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	healthy := s.IsHealthy(ctx)
	idle, busy := s.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Algorithm: %s\nSigners:   %d (idle %d, busy %d)\nHealthy:   %v\n",
		s.AlgorithmName(), s.Size(), idle, busy, healthy)
	if !healthy {
		return fmt.Errorf("signer %s is unhealthy", s.Name())
	}
	return nil
}

// loadCertificateChain reads every CERTIFICATE block of a PEM file.
func loadCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate chain: %w", err)
	}
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return chain, nil
}

// publicKeyMatches reports whether the leaf certificate carries pub.
func publicKeyMatches(cert *x509.Certificate, pub crypto.PublicKey) bool {
	k, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(pub)
}
