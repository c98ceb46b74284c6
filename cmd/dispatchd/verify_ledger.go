package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/dispatchd/internal/config"
	"github.com/marcus-qen/dispatchd/internal/ledger"
)

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger",
	Short: "Verify the Phase Ledger's hash chain and report any tampering",
	RunE:  runVerifyLedger,
}

func runVerifyLedger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ledgerDir := filepath.Join(cfg.DataDir, "state", "process")
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	led, err := ledger.Open(filepath.Join(ledgerDir, "ledger.jsonl"))
	if err != nil {
		return fmt.Errorf("open phase ledger: %w", err)
	}

	result, err := led.Verify()
	if err != nil {
		return fmt.Errorf("verify phase ledger: %w", err)
	}

	fmt.Printf("entries checked: %d\n", led.Count())
	fmt.Printf("valid:           %t\n", result.Valid)
	if result.HasBrokenChain {
		fmt.Printf("broken chain at: entry %d\n", result.BrokenChainAt)
	}
	if len(result.TamperedAt) > 0 {
		fmt.Printf("tampered entries: %v\n", result.TamperedAt)
	}

	if !result.Valid {
		return fmt.Errorf("phase ledger failed verification")
	}
	return nil
}
