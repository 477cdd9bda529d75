package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
	"github.com/remiblancher/qpki-signcore/pkg/signer"
)

var hsmCmd = &cobra.Command{
	Use:   "hsm",
	Short: "PKCS#11 signing commands",
	Long: `Sign and health-check with keys held in a Hardware Security Module via PKCS#11.

One PKCS#11 session is opened per pooled signer (pkcs11.sessions in the
configuration, default 4). The PIN is read from the variable named by
pkcs11.pin_env.

Examples:
  # List available slots and tokens (no config needed)
  qsign hsm slots --lib /usr/lib/softhsm/libsofthsm2.so

  # Sign with a token key
  qsign hsm sign --hsm-config ./hsm.yaml --key-label signer --in doc.bin --out doc.sig

  # Health-check a token key
  qsign hsm health --hsm-config ./hsm.yaml --key-id 01`,
}

var hsmSlotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "List HSM slots and tokens",
	Long: `List all available slots and tokens in a PKCS#11 module.

This command does not require authentication.`,
	RunE: runHSMSlots,
}

var hsmSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign data with a token key",
	RunE:  runHSMSign,
}

var hsmHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Health-check a token key",
	RunE:  runHSMHealth,
}

var (
	hsmLib        string
	hsmConfigPath string
	hsmKeyLabel   string
	hsmKeyID      string
)

func init() {
	hsmCmd.AddCommand(hsmSlotsCmd)
	hsmCmd.AddCommand(hsmSignCmd)
	hsmCmd.AddCommand(hsmHealthCmd)

	hsmSlotsCmd.Flags().StringVar(&hsmLib, "lib", "", "Path to PKCS#11 library (required)")
	_ = hsmSlotsCmd.MarkFlagRequired("lib")

	for _, c := range []*cobra.Command{hsmSignCmd, hsmHealthCmd} {
		c.Flags().StringVar(&hsmConfigPath, "hsm-config", "", "Path to HSM configuration file (required)")
		c.Flags().StringVar(&hsmKeyLabel, "key-label", "", "CKA_LABEL of the private key")
		c.Flags().StringVar(&hsmKeyID, "key-id", "", "Hex CKA_ID of the private key")
		_ = c.MarkFlagRequired("hsm-config")
	}

	hsmSignCmd.Flags().StringVar(&signInPath, "in", "", "File to sign (required)")
	hsmSignCmd.Flags().StringVar(&signOutPath, "out", "", "Signature output file (default: stdout)")
	hsmSignCmd.Flags().BoolVar(&signBase64, "base64", false, "Encode the signature as base64")
	_ = hsmSignCmd.MarkFlagRequired("in")
}

func runHSMSlots(cmd *cobra.Command, args []string) error {
	slots, err := pkicrypto.ListHSMSlots(hsmLib)
	if err != nil {
		return fmt.Errorf("failed to list HSM slots: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "PKCS#11 Module: %s\n\n", hsmLib)
	if len(slots) == 0 {
		fmt.Fprintln(out, "No slots found.")
		return nil
	}

	for _, slot := range slots {
		fmt.Fprintf(out, "Slot %d:\n", slot.ID)
		fmt.Fprintf(out, "  Description:  %s\n", strings.TrimSpace(slot.Description))
		if slot.HasToken {
			fmt.Fprintf(out, "  Token Label:  %s\n", strings.TrimSpace(slot.TokenLabel))
			fmt.Fprintf(out, "  Token Serial: %s\n", maskSerial(slot.TokenSerial))
			if slot.Manufacturer != "" {
				fmt.Fprintf(out, "  Manufacturer: %s\n", strings.TrimSpace(slot.Manufacturer))
			}
		} else {
			fmt.Fprintf(out, "  Token:        (not present)\n")
		}
		fmt.Fprintln(out)
	}
	return nil
}

// openHSMSigner opens the configured sessions and pools them. The pool owns
// the sessions and closes them on exit.
func openHSMSigner(ctx context.Context) (*signer.ConcurrentSigner, error) {
	if hsmKeyLabel == "" && hsmKeyID == "" {
		return nil, fmt.Errorf("one of --key-label or --key-id is required")
	}
	cfg, err := pkicrypto.LoadHSMConfig(hsmConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load HSM config: %w", err)
	}
	p11, err := cfg.ToPKCS11Config(hsmKeyLabel, hsmKeyID)
	if err != nil {
		return nil, err
	}

	backends, pub, err := pkicrypto.NewPKCS11ContentSigners(ctx, *p11)
	algName := ""
	if err == nil {
		algName, _ = pkicrypto.AlgorithmName(backends[0].AlgorithmIdentifier())
	}
	if aerr := audit.LogHSMSessionsOpened(p11.ModulePath, algName, len(backends), err); aerr != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", aerr)
	}
	if err != nil {
		return nil, err
	}

	name := "hsm:" + hsmKeyLabel
	if hsmKeyLabel == "" {
		name = "hsm:id=" + hsmKeyID
	}
	s, err := signer.NewConcurrentSigner(backends,
		signer.WithName(name),
		signer.WithPublicKey(pub),
		signer.WithClosePolicy(signer.ReleaseBackends),
	)
	if err != nil {
		for _, b := range backends {
			if c, ok := b.(io.Closer); ok {
				_ = c.Close()
			}
		}
		return nil, err
	}
	track(s)
	return s, nil
}

func runHSMSign(cmd *cobra.Command, args []string) error {
	s, err := openHSMSigner(cmd.Context())
	if err != nil {
		return err
	}
	data, err := os.ReadFile(signInPath)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return signAndWrite(cmd, s, data)
}

func runHSMHealth(cmd *cobra.Command, args []string) error {
	s, err := openHSMSigner(cmd.Context())
	if err != nil {
		return err
	}
	return reportHealth(cmd, s)
}

// maskSerial partially masks a token serial number.
func maskSerial(serial string) string {
	serial = strings.TrimSpace(serial)
	if len(serial) <= 4 {
		return serial
	}
	return serial[:3] + strings.Repeat("*", len(serial)-4) + serial[len(serial)-1:]
}
