// Command reconcile is the operator tool for manual reconciliation of payments and callbacks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sila/payments/internal/bootstrap"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Manual reconciliation for SILA payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(orphansCmd())
	rootCmd.AddCommand(resubmitCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp runs fn against a bootstrapped application and closes it afterwards.
func withApp(fn func(cmd *cobra.Command, args []string, app *bootstrap.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.New(cmd.Context(), "payments-reconcile", "payments_reconcile")
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer app.Close()
		return fn(cmd, args, app)
	}
}
