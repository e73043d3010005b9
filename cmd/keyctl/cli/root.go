package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apiguard/internal/storage"
)

var databaseURL string

// Execute creates the root command tree and runs it.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyctl",
		Short:   "Operate apiguard credentials and policies",
		Version: version,
		Long: `keyctl issues and revokes API keys, mints admin tokens for the /admin
routes, and validates rate limit policy files before they are deployed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"Postgres connection string (default $DATABASE_URL)")

	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newAdminTokenCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

func openDB() (*storage.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	cfg := storage.DefaultDBConfig()
	cfg.URL = databaseURL
	cfg.MaxOpenConns = 2
	cfg.MaxIdleConns = 1
	cfg.APIKeyCacheSize = 10
	return storage.NewDB(cfg)
}
