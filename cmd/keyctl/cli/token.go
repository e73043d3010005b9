package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"apiguard/internal/auth"
)

func newAdminTokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
		secret  string
	)

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a signed token for the /admin routes",
		Example: `  ADMIN_JWT_SECRET=... keyctl admin-token --subject ops@example.com --role admin
  keyctl admin-token --subject dashboard --role viewer --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or ADMIN_JWT_SECRET is required")
			}
			for _, r := range roles {
				if _, err := auth.ParseRole(r); err != nil {
					return err
				}
			}

			token, exp, err := auth.GenerateAdminJWT(subject, roles, []byte(secret), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, usually the operator's email (required)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "Roles to grant (admin, viewer)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("ADMIN_JWT_SECRET"), "Signing secret (default $ADMIN_JWT_SECRET)")
	cmd.MarkFlagRequired("subject")

	return cmd
}
