package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/store"
)

var (
	grantAmount    int64
	grantType      string
	grantReason    string
	grantReference string
	grantCreate    bool
)

var grantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Credit tokens to a user (purchase confirmation or admin adjustment)",
	Long: `Credit tokens through the ledger. Every grant appends exactly one
ledger entry in the same transaction as the balance change, so the
reconciliation invariant holds no matter who triggered it.

Examples:
  # Payment confirmation
  reelforge grant u1 --amount 500 --type PURCHASE --reference pay_123

  # Manual adjustment, creating the user if needed
  reelforge grant u2 --amount 80 --type ADJUSTMENT --create`,
	Args: cobra.ExactArgs(1),
	Run:  runGrant,
}

func runGrant(cmd *cobra.Command, args []string) {
	userID := args[0]

	var entryType store.EntryType
	switch grantType {
	case "PURCHASE":
		entryType = store.EntryPurchase
	case "ADJUSTMENT":
		entryType = store.EntryAdjustment
	default:
		fail("--type must be PURCHASE or ADJUSTMENT")
	}

	cfg, err := loadConfig()
	if err != nil {
		fail("%v", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if grantCreate {
		if err := st.CreateUser(ctx, userID, 0); err != nil && !errors.Is(err, store.ErrUserExists) {
			fail("%v", err)
		}
	}

	if err := st.Credit(ctx, userID, grantAmount, entryType, grantReason, grantReference); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail("user %s not found (use --create to create)", userID)
		}
		fail("%v", err)
	}

	balance, _ := st.Balance(ctx, userID)
	logLine("success", fmt.Sprintf("Credited %d tokens to %s (balance: %d)", grantAmount, userID, balance))
}

func init() {
	grantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "tokens to credit (required)")
	grantCmd.Flags().StringVar(&grantType, "type", "ADJUSTMENT", "ledger entry type: PURCHASE or ADJUSTMENT")
	grantCmd.Flags().StringVar(&grantReason, "reason", "", "ledger entry description")
	grantCmd.Flags().StringVar(&grantReference, "reference", "", "external reference id")
	grantCmd.Flags().BoolVar(&grantCreate, "create", false, "create the user if missing")
	grantCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(grantCmd)
}
