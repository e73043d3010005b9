package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"apiguard/internal/ratelimit"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect rate limit policy files",
	}
	cmd.AddCommand(newPolicyCheckCmd())
	return cmd
}

func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file> [route...]",
		Short: "Validate a policy file and show which policy each route gets",
		Example: `  keyctl policy check policies.yaml
  keyctl policy check policies.yaml /api/v1/me /api/v1/profiles/42`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := ratelimit.LoadPolicyFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			def := table.Default()
			fmt.Fprintf(out, "OK: default %s\n", describePolicy(def))
			for _, route := range args[1:] {
				fmt.Fprintf(out, "%s: %s\n", route, describePolicy(table.Resolve(route)))
			}
			return nil
		},
	}
}

func describePolicy(p ratelimit.Policy) string {
	if p.Requests <= 0 {
		return fmt.Sprintf("unlimited / %ds", p.WindowSeconds())
	}
	return fmt.Sprintf("%d requests / %ds", p.Requests, p.WindowSeconds())
}
