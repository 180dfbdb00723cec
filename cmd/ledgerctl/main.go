// Command ledgerctl is the operator CLI for the subscription ledger: it applies migrations,
// runs a one-off retention sweep and inspects payments for an email.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/transfa/subscription-ledger/internal/app"
	"github.com/transfa/subscription-ledger/internal/bootstrap"
	"github.com/transfa/subscription-ledger/internal/config"
	"github.com/transfa/subscription-ledger/internal/store"
)

var Version = "dev"

// cli carries what every command needs. openLedger and migrate are swapped in tests.
type cli struct {
	cfg        config.Config
	logger     *slog.Logger
	openLedger func(ctx context.Context) (app.Ledger, func(), error)
	migrate    func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c := newCLI(cfg, bootstrap.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	if err := c.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCLI(cfg config.Config, logger *slog.Logger) *cli {
	c := &cli{cfg: cfg, logger: logger}
	c.openLedger = func(ctx context.Context) (app.Ledger, func(), error) {
		pool, err := bootstrap.OpenPool(ctx, c.cfg)
		if err != nil {
			return nil, nil, err
		}
		repo := store.NewRepository(pool, c.logger, store.WithOperationTimeout(c.cfg.DatabaseOperationTimeout))
		return repo, pool.Close, nil
	}
	c.migrate = func(ctx context.Context) error {
		pool, err := bootstrap.OpenPool(ctx, c.cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		return store.RunMigrations(ctx, pool, c.logger)
	}
	return c
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the subscription payment ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(c.migrateCmd(), c.sweepCmd(), c.statusCmd(), c.historyCmd(), c.activeCmd())
	return root
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete payments whose expiry is older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retention <= 0 {
				return fmt.Errorf("--retention must be positive, got %s", retention)
			}
			ledger, closeFn, err := c.openLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			deleted, err := app.NewSweeper(ledger, retention, 0, c.logger, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d payment(s)\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", c.cfg.RetentionWindow, "retention window past expiry")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <email>",
		Short: "Show the latest payment for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				status, err := svc.PaymentStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <email>",
		Short: "List every payment for an email, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				history, err := svc.PaymentHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), history)
			})
		},
	}
}

func (c *cli) activeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active <email>",
		Short: "Report whether an email holds an active subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *app.Service) error {
				state, err := svc.SubscriptionState(cmd.Context(), args[0])
				fmt.Fprintln(cmd.OutOrStdout(), state)
				return err
			})
		},
	}
}

func (c *cli) withService(cmd *cobra.Command, fn func(*app.Service) error) error {
	ledger, closeFn, err := c.openLedger(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(app.NewService(ledger, c.logger, nil))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
