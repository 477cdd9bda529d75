package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qpki-signcore/pkg/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log verification",
	Long: `Commands for verifying and reading signer audit logs.

Signer creation, certificate chain changes, health checks, pool protocol
violations and HSM session provisioning are recorded when --audit-log or
QSIGN_AUDIT_LOG is set. Each event is chained to its predecessor with a
SHA-256 hash.

Examples:
  qsign audit verify --log /var/log/qsign/audit.jsonl
  qsign audit tail --log /var/log/qsign/audit.jsonl -n 20`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

The chain starts with hash_prev="sha256:genesis". An edited, removed or
inserted line is reported with its line number.`,
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	RunE:  runAuditTail,
}

var (
	auditLogFile string
	auditTailNum int
)

func init() {
	for _, c := range []*cobra.Command{auditVerifyCmd, auditTailCmd} {
		c.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (required)")
		_ = c.MarkFlagRequired("log")
	}
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	count, err := audit.VerifyChain(auditLogFile)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n  Valid events: %d\n  Error: %s\n", count, err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}
	fmt.Fprintf(out, "VERIFICATION PASSED\n  Total events: %d\n", count)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(auditLogFile)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	if len(lines) > auditTailNum {
		lines = lines[len(lines)-auditTailNum:]
	}

	out := cmd.OutOrStdout()
	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(w io.Writer, e *audit.Event) {
	mark := "ok"
	if e.Result == audit.ResultFailure {
		mark = "FAILED"
	}
	fmt.Fprintf(w, "[%s] %s %s\n", e.Timestamp, e.EventType, mark)
	if e.Object.Name != "" {
		fmt.Fprintf(w, "    Signer: %s\n", e.Object.Name)
	}
	if e.Object.Subject != "" {
		fmt.Fprintf(w, "    Subject: %s\n", e.Object.Subject)
	}
	if e.Context.Algorithm != "" {
		fmt.Fprintf(w, "    Algorithm: %s\n", e.Context.Algorithm)
	}
	if e.Context.Reason != "" {
		fmt.Fprintf(w, "    Reason: %s\n", e.Context.Reason)
	}
}
