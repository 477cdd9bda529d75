package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

var algoCmd = &cobra.Command{
	Use:   "algo",
	Short: "Signature algorithm resolution",
	Long: `Map signature algorithm names, OIDs and AlgorithmIdentifiers onto each other.

Names ignore case and hyphens and may be written <Hash>with<Key> or
<Key>with<Hash>. RSASSA-PSS is spelled <Hash>withRSAandMGF1 and plain (r||s)
ECDSA <Hash>withPlainECDSA.

Examples:
  qsign algo resolve SHA256withRSA
  qsign algo name 1.2.840.10045.4.3.2
  qsign algo canonical ecdsawithsha-384
  qsign algo digest SHA512withRSAandMGF1
  qsign algo equiv SHA256withRSAandMGF1 MGF1andSHA256withRSA
  qsign algo pss SHA-256`,
}

var algoResolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Show the AlgorithmIdentifier for a name",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgoResolve,
}

var algoNameCmd = &cobra.Command{
	Use:   "name <oid>",
	Short: "Show the canonical name for a signature OID",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgoName,
}

var algoCanonicalCmd = &cobra.Command{
	Use:   "canonical <name>",
	Short: "Rewrite a name in canonical form",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgoCanonical,
}

var algoDigestCmd = &cobra.Command{
	Use:   "digest <name>",
	Short: "Show the digest algorithm used by a signature algorithm",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgoDigest,
}

var algoEquivCmd = &cobra.Command{
	Use:   "equiv <name> <name>",
	Short: "Report whether two names denote the same algorithm",
	Args:  cobra.ExactArgs(2),
	RunE:  runAlgoEquiv,
}

var algoPSSCmd = &cobra.Command{
	Use:   "pss <hash>",
	Short: "Show RSASSA-PSS parameters for a digest",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlgoPSS,
}

var algoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supported signature algorithms",
	Args:  cobra.NoArgs,
	RunE:  runAlgoList,
}

func init() {
	algoCmd.AddCommand(algoResolveCmd)
	algoCmd.AddCommand(algoNameCmd)
	algoCmd.AddCommand(algoCanonicalCmd)
	algoCmd.AddCommand(algoDigestCmd)
	algoCmd.AddCommand(algoEquivCmd)
	algoCmd.AddCommand(algoPSSCmd)
	algoCmd.AddCommand(algoListCmd)
}

func runAlgoResolve(cmd *cobra.Command, args []string) error {
	id, err := pkicrypto.IdentifierForName(args[0])
	if err != nil {
		return err
	}
	name, err := pkicrypto.AlgorithmName(id)
	if err != nil {
		return err
	}
	der, err := pkicrypto.MarshalAlgorithmIdentifier(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:       %s\n", name)
	fmt.Fprintf(out, "OID:        %s\n", id.Algorithm)
	fmt.Fprintf(out, "Family:     %s\n", pkicrypto.FamilyOf(id))
	fmt.Fprintf(out, "Parameters: %s\n", describeParameters(id))
	fmt.Fprintf(out, "DER:        %s\n", hex.EncodeToString(der))
	return nil
}

func describeParameters(id pkicrypto.AlgorithmIdentifier) string {
	switch {
	case pkicrypto.HasNullParameters(id):
		return "NULL"
	case pkicrypto.HasParameters(id):
		return "present"
	default:
		return "absent"
	}
}

func runAlgoName(cmd *cobra.Command, args []string) error {
	oid, ok := pkicrypto.ParseOID(args[0])
	if !ok {
		return fmt.Errorf("invalid OID %q", args[0])
	}
	// A bare id-RSASSA-PSS decodes with the RFC 4055 defaults.
	name, err := pkicrypto.AlgorithmName(pkicrypto.AlgorithmIdentifier{Algorithm: oid})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runAlgoCanonical(cmd *cobra.Command, args []string) error {
	name, err := pkicrypto.CanonicalizeAlgorithmName(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), name)
	return nil
}

func runAlgoDigest(cmd *cobra.Command, args []string) error {
	id, err := pkicrypto.IdentifierForName(args[0])
	if err != nil {
		return err
	}
	h, err := pkicrypto.HashOf(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", h.Name(), h.OID())
	return nil
}

func runAlgoEquiv(cmd *cobra.Command, args []string) error {
	if pkicrypto.NamesEquivalent(args[0], args[1]) {
		fmt.Fprintln(cmd.OutOrStdout(), "equivalent")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "different")
	return nil
}

func runAlgoPSS(cmd *cobra.Command, args []string) error {
	h, err := pkicrypto.ResolveHash(args[0])
	if err != nil {
		return err
	}
	params, err := pkicrypto.BuildPSSParameters(h)
	if err != nil {
		return err
	}
	id, err := pkicrypto.BuildRSAPSSIdentifier(h)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Hash:         %s\n", h.Name())
	fmt.Fprintf(out, "MGF:          MGF1 with %s\n", h.Name())
	fmt.Fprintf(out, "Salt length:  %d\n", params.SaltLength)
	fmt.Fprintf(out, "Trailer:      %d\n", params.TrailerField)
	fmt.Fprintf(out, "Params DER:   %s\n", hex.EncodeToString(id.Parameters.FullBytes))
	return nil
}

func runAlgoList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, alg := range pkicrypto.AllSignatureAlgorithms() {
		fmt.Fprintf(out, "%-26s %s\n", alg.Name(), alg.OID())
	}
	return nil
}
