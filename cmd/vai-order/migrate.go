package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect the order schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if dsn == "" {
				cfg, err := config.LoadFromEnv()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				dsn = cfg.DatabaseURL
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), dsn, direction)
		},
	}
	cmd.Flags().StringVar(&dsn, "database-url", "", "Postgres URL (defaults to VAI_ORDER_DATABASE_URL)")
	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("VAI_ORDER_DATABASE_URL is required for migrate")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	provider, err := order.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	switch direction {
	case "up":
		results, err := provider.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		if len(results) == 0 {
			fmt.Fprintln(out, "schema is up to date")
		}
		for _, r := range results {
			fmt.Fprintf(out, "applied %d %s (%s)\n", r.Source.Version, r.Source.Path, r.Duration)
		}
	case "down":
		r, err := provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Fprintf(out, "rolled back %d %s\n", r.Source.Version, r.Source.Path)
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("migrate status: %w", err)
		}
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-6d %-40s %s\n", s.Source.Version, s.Source.Path, applied)
		}
	default:
		return fmt.Errorf("unknown migrate direction %q", direction)
	}
	return nil
}
