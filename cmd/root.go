package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearstake/attest-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "attest-engine",
	Short: "Verification and attestation consensus engine",
	Long:  "Coordinates independent attestors to verify real-world assets: collects scored attestations, resolves consensus against per-asset-type policies, and anchors finalized outcomes to a ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
