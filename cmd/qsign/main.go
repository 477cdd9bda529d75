// Command qsign exercises the signing core: algorithm resolution, curve
// lookup, and pooled signing with software keys or PKCS#11 tokens.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var auditLogPath string

// open tracks signers that must be released before exit.
var (
	openMu sync.Mutex
	open   []io.Closer
)

func track(c io.Closer) {
	openMu.Lock()
	open = append(open, c)
	openMu.Unlock()
}

func closeAll() {
	openMu.Lock()
	defer openMu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
	open = nil
}

func main() {
	setupSignalHandler()

	err := rootCmd.Execute()
	closeAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupSignalHandler releases open signers (and their PKCS#11 sessions) on
// SIGINT/SIGTERM.
func setupSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		closeAll()
		_ = audit.Close()
		os.Exit(0)
	}()
}

var rootCmd = &cobra.Command{
	Use:   "qsign",
	Short: "Signing core toolkit",
	Long: `qsign resolves signature algorithm names, identifiers and curves, and signs
data through a pool of signing backends.

Signing backends are software keys (PEM) or PKCS#11 sessions. Each backend is
used by one caller at a time; callers wait up to the borrow timeout, which
can be set with the QPKI_SIGNSERVICE_TIMEOUT environment variable
(milliseconds, 0 waits forever, max 60000).

Examples:
  # Canonical name and identifier for an algorithm
  qsign algo resolve ecdsawithsha-256

  # Sign a file with 4 pooled software signers
  qsign sign --key key.pem --hash SHA256 --mgf1 --in doc.bin --out doc.sig --pool-size 4

  # Sign with an HSM key
  qsign hsm sign --hsm-config hsm.yaml --key-label tsa --in doc.bin --out doc.sig`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if auditLogPath == "" {
			auditLogPath = os.Getenv("QSIGN_AUDIT_LOG")
		}
		if auditLogPath != "" {
			if err := audit.InitFile(auditLogPath); err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeAll()
		return audit.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set QSIGN_AUDIT_LOG env var)")

	rootCmd.AddCommand(algoCmd)  // qsign algo ...
	rootCmd.AddCommand(curveCmd) // qsign curve ...
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(hsmCmd) // qsign hsm ...
	rootCmd.AddCommand(auditCmd)
}
