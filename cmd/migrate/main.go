package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"erpid.org/internal/migrate"
)

var (
	dsn     string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply the erpid identity schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			for _, mig := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", mig)
			}
			if err == nil && len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			}
			return err
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			rolled, err := m.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", rolled)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shipped migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
			migs, err := m.Status(ctx)
			if len(migs) > 0 {
				table := tablewriter.NewWriter(cmd.OutOrStdout())
				table.SetHeader([]string{"Version", "Name", "Applied At", "Checksum"})
				table.SetBorder(false)
				for _, mig := range migs {
					applied := "pending"
					if !mig.Pending() {
						applied = mig.AppliedAt.Format(time.RFC3339)
					}
					table.Append([]string{fmt.Sprintf("%04d", mig.Version), mig.Name, applied, mig.Checksum[:12]})
				}
				table.Render()
			}
			return err
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("ERPID_DATABASE_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func withManager(parent context.Context, fn func(context.Context, *migrate.Manager) error) error {
	if dsn == "" {
		return errors.New("missing DSN: provide via --dsn or ERPID_DATABASE_DSN")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	return fn(ctx, migrate.NewManager(db, migrate.Files()))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
