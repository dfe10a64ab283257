package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/bootstrap"
	"github.com/sila/payments/internal/domain/callback"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/infrastructure/config"
	infraRedis "github.com/sila/payments/internal/infrastructure/redis"
	"github.com/sila/payments/internal/middleware"
	"github.com/spf13/cobra"
)

const (
	lockAttempts   = 20
	lockRetryDelay = 500 * time.Millisecond
)

func orphansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and replay callbacks that matched no payment",
	}

	var (
		provider  string
		reference string
		limit     int
	)
	filter := func() (callback.OrphanFilter, error) {
		f := callback.OrphanFilter{Limit: limit}
		if provider != "" {
			p, err := payment.ParseProvider(provider)
			if err != nil {
				return f, err
			}
			f.Provider = &p
		}
		if reference != "" {
			f.ExternalReference = &reference
		}
		return f, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List orphaned callbacks",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
			f, err := filter()
			if err != nil {
				return err
			}
			orphans, err := app.Reconciler.ListOrphans(cmd.Context(), f)
			if err != nil {
				return err
			}
			printCallbacks(cmd.OutOrStdout(), orphans)
			return nil
		}),
	}

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply orphaned callbacks whose payment now exists",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
			f, err := filter()
			if err != nil {
				return err
			}
			n, err := app.Reconciler.ReplayOrphans(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d orphaned callback(s) matched their payment\n", n)
			return nil
		}),
	}

	for _, c := range []*cobra.Command{list, replay} {
		c.Flags().StringVarP(&provider, "provider", "p", "", "Rail (bna, unitel_money, mpesa)")
		c.Flags().StringVarP(&reference, "reference", "r", "", "External reference")
		c.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum callbacks")
	}
	cmd.AddCommand(list, replay)
	return cmd
}

func resubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <payment-id>",
		Short: "Submit a pending payment to its rail again",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid payment id %q: %w", args[0], err)
			}
			var p *payment.Payment
			err = lockPayment(cmd.Context(), app, id, func(ctx context.Context) error {
				p, err = app.PaymentService.Resubmit(ctx, id)
				return err
			})
			if p != nil {
				printPayments(cmd.OutOrStdout(), []*payment.Payment{p})
			}
			return err
		}),
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <payment-id>",
		Short: "Query the rail for a submitted payment and apply the answer",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid payment id %q: %w", args[0], err)
			}
			var p *payment.Payment
			err = lockPayment(cmd.Context(), app, id, func(ctx context.Context) error {
				p, err = app.PaymentService.RefreshStatus(ctx, id)
				return err
			})
			if p != nil {
				printPayments(cmd.OutOrStdout(), []*payment.Payment{p})
			}
			if errors.Is(err, domainErrors.ErrTerminalStateConflict) {
				return fmt.Errorf("rail contradicts the ledger, recorded for review: %w", err)
			}
			return err
		}),
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-stale",
		Short: "Expire pending and submitted payments past their deadline",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
			n, err := app.PaymentService.ExpireStale(cmd.Context(), time.Now().UTC())
			fmt.Fprintf(cmd.OutOrStdout(), "%d payment(s) expired\n", n)
			return err
		}),
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue lifecycle events that could not be published",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List outbox entries that exhausted their retries",
		RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
			entries, err := app.Outbox.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printOutbox(cmd.OutOrStdout(), entries)
			return nil
		}),
	}
	failed.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum entries")

	requeue := &cobra.Command{
		Use:   "requeue <entry-id>...",
		Short: "Reset failed outbox entries to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, app *bootstrap.App) error {
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid entry id %q: %w", arg, err)
				}
				if err := app.Outbox.Requeue(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		}),
	}

	cmd.AddCommand(failed, requeue)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for a SILA caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			if ttl == 0 {
				ttl = cfg.Auth.JWTExpiry
			}
			token, err := middleware.IssueToken(cfg.Auth.JWTSecret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "sila", "Token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope",
		[]string{middleware.ScopePaymentsRead, middleware.ScopePaymentsWrite}, "Granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.jwt_expiry)")
	return cmd
}

// lockPayment runs fn under the per-payment lock the workers take.
func lockPayment(ctx context.Context, app *bootstrap.App, id uuid.UUID, fn func(ctx context.Context) error) error {
	locker := infraRedis.NewLocker(app.Redis, app.Config.Payment.LockTTL)
	return locker.WithLock(ctx, infraRedis.PaymentLockKey(id), lockAttempts, lockRetryDelay, fn)
}

func printPayments(w io.Writer, payments []*payment.Payment) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tSTATUS\tAMOUNT\tREFERENCE\tATTEMPTS\tUPDATED")
	for _, p := range payments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.ID, p.Provider, p.Status, p.Amount.String(), deref(p.ExternalReference),
			p.SubmitAttempts, p.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printCallbacks(w io.Writer, callbacks []*callback.Callback) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tEVENT\tREFERENCE\tOUTCOME\tRECEIVED")
	for _, cb := range callbacks {
		outcome := ""
		if cb.Outcome != nil {
			outcome = string(*cb.Outcome)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cb.ID, cb.Provider, deref(cb.ProviderEventID), deref(cb.ExternalReference), outcome,
			cb.ReceivedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printOutbox(w io.Writer, entries []*outbox.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tAGGREGATE\tRETRIES\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\n",
			e.ID, e.EventType, e.AggregateType, e.AggregateID, e.RetryCount,
			strings.ReplaceAll(deref(e.LastError), "\n", " "))
	}
	tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
