package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/store"
)

var historyReconcile bool

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Show a user's token ledger",
	Args:  cobra.ExactArgs(1),
	Run:   runHistory,
}

func runHistory(cmd *cobra.Command, args []string) {
	userID := args[0]

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
	balance, err := st.Balance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		fail("user %s not found", userID)
	}
	if err != nil {
		fail("%v", err)
	}

	entries, err := st.History(ctx, userID)
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("Balance: %d tokens\n\n", balance)
	for _, e := range entries {
		amount := fmt.Sprintf("%+d", e.Amount)
		if e.Amount < 0 {
			amount = color.RedString(amount)
		} else {
			amount = color.GreenString(amount)
		}
		fmt.Printf("%s  %-10s %8s  %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, amount, e.Description)
	}

	if historyReconcile {
		bal, sum, err := st.Reconcile(ctx, userID)
		if err != nil {
			fail("%v", err)
		}
		if bal == sum {
			logLine("success", fmt.Sprintf("Ledger reconciled: balance %d == sum %d", bal, sum))
		} else {
			logLine("error", fmt.Sprintf("LEDGER MISMATCH: balance %d != sum %d", bal, sum))
		}
	}
}

func init() {
	historyCmd.Flags().BoolVar(&historyReconcile, "reconcile", false, "verify balance equals the ledger sum")
	rootCmd.AddCommand(historyCmd)
}
