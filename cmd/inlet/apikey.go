package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/inletworks/inlet/internal/config"
	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/models"
)

var (
	issueName   string
	issueScopes []string
	issueTTL    time.Duration
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API credentials",
}

var apikeyIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new API credential",
	Long: `Issue a new API credential and print the plaintext secret.

The secret is shown exactly once; only its hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *credentials.Manager) error {
			issued, err := m.Issue(ctx, issueName, issueScopes, issueTTL)
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\n", issued.Credential.ID)
			fmt.Printf("name:   %s\n", issued.Credential.Name)
			fmt.Printf("scopes: %s\n", strings.Join(issued.Credential.Scopes, ", "))
			if issued.Credential.ExpiresAt != nil {
				fmt.Printf("expires: %s\n", issued.Credential.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("secret: %s\n", issued.Plaintext)
			fmt.Println("\nStore the secret now; it cannot be recovered later.")
			return nil
		})
	},
}

var apikeyRotateCmd = &cobra.Command{
	Use:   "rotate <id>",
	Short: "Rotate a credential's secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *credentials.Manager) error {
			issued, err := m.Rotate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:     %s\n", issued.Credential.ID)
			fmt.Printf("secret: %s\n", issued.Plaintext)
			fmt.Println("\nStore the secret now; it cannot be recovered later.")
			return nil
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *credentials.Manager) error {
			if err := m.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", args[0])
			return nil
		})
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *credentials.Manager) error {
			creds, err := m.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSCOPES\tACTIVE\tCREATED\tEXPIRES\tLAST USED")
			for _, c := range creds {
				expires := "-"
				if c.ExpiresAt != nil {
					expires = c.ExpiresAt.Format(time.RFC3339)
				}
				lastUsed := "-"
				if c.LastUsedAt != nil {
					lastUsed = c.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
					c.ID, c.Name, strings.Join(c.Scopes, ","), c.Active,
					c.CreatedAt.Format(time.RFC3339), expires, lastUsed)
			}
			return tw.Flush()
		})
	},
}

func init() {
	apikeyIssueCmd.Flags().StringVar(&issueName, "name", "", "human-readable credential name")
	apikeyIssueCmd.Flags().StringSliceVar(&issueScopes, "scope", []string{models.ScopeWrite}, "scope to grant (repeatable)")
	apikeyIssueCmd.Flags().DurationVar(&issueTTL, "ttl", 0, "credential lifetime (0 = never expires)")
	apikeyIssueCmd.MarkFlagRequired("name")

	apikeyCmd.AddCommand(apikeyIssueCmd)
	apikeyCmd.AddCommand(apikeyRotateCmd)
	apikeyCmd.AddCommand(apikeyRevokeCmd)
	apikeyCmd.AddCommand(apikeyListCmd)
}

// withManager connects to the configured credential store, runs fn, and
// tears the connection down. Credential management needs a durable store,
// so the memory backend is rejected.
func withManager(fn func(context.Context, *credentials.Manager) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("credential management requires the postgres backend, got %q", cfg.Database.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), "text")
	manager := credentials.NewManager(
		credentials.NewPostgresStore(pool), logger,
		cfg.Credentials.BcryptCost, cfg.Credentials.RotateAge)
	return fn(ctx, manager)
}
