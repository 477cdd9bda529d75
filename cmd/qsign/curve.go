package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pkicrypto "github.com/remiblancher/qpki-signcore/pkg/crypto"
)

var curveCmd = &cobra.Command{
	Use:   "curve",
	Short: "Elliptic curve name and OID lookup",
	Long: `Look up named curves across the X9.62, SEC, TeleTrusT and NIST registries.

When a curve has several names, the X9.62 name wins, then SEC, then
TeleTrusT, then NIST.

Examples:
  qsign curve oid P-256
  qsign curve name 1.3.132.0.34
  qsign curve list`,
}

var curveOIDCmd = &cobra.Command{
	Use:   "oid <name|oid>",
	Short: "Resolve a curve name to its OID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oid := pkicrypto.CurveOID(args[0])
		if oid == nil {
			return fmt.Errorf("unknown curve %q", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), oid)
		return nil
	},
}

var curveNameCmd = &cobra.Command{
	Use:   "name <oid>",
	Short: "Show the preferred name of a curve OID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oid, ok := pkicrypto.ParseOID(args[0])
		if !ok {
			return fmt.Errorf("invalid OID %q", args[0])
		}
		name := pkicrypto.CurveName(oid)
		if name == "" {
			return fmt.Errorf("no registered name for curve %s", oid)
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
		return nil
	},
}

var curveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known curve names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, name := range pkicrypto.CurveNames() {
			fmt.Fprintf(out, "%-16s %s\n", name, pkicrypto.CurveOID(name))
		}
		return nil
	},
}

func init() {
	curveCmd.AddCommand(curveOIDCmd)
	curveCmd.AddCommand(curveNameCmd)
	curveCmd.AddCommand(curveListCmd)
}
