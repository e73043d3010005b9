package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"apiguard/internal/auth"
	"apiguard/internal/models"
	"apiguard/internal/utils"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyDeactivateCmd())
	cmd.AddCommand(newKeyHashCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		userID    string
		name      string
		rateLimit int
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keyctl key create --user 3f0c... --name "CI pipeline"
  keyctl key create --user 3f0c... --name partner --rate-limit 5000 --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			if rateLimit < 0 {
				return fmt.Errorf("--rate-limit must not be negative")
			}

			rawKey, key, err := newKeyRecord(uid, name, rateLimit, expiresIn, time.Now())
			if err != nil {
				return err
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := db.NewAPIKeyRepository().Create(ctx, key); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "API Key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  ID:     %s\n", key.ID)
			fmt.Fprintf(out, "  Key:    %s\n", rawKey)
			fmt.Fprintf(out, "  Prefix: %s\n", key.KeyPrefix)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner user ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Per-key override; only raises route limits (0 = none)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this long (0 = never)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("name")

	return cmd
}

// newKeyRecord generates a raw key and the record that stores its fingerprint.
func newKeyRecord(userID uuid.UUID, name string, rateLimit int, expiresIn time.Duration, now time.Time) (string, *models.APIKey, error) {
	rawKey, err := auth.GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}

	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   auth.HashKey(rawKey),
		KeyPrefix: auth.DisplayPrefix(rawKey),
		Active:    true,
	}
	if rateLimit > 0 {
		key.RateLimit = utils.Ptr(rateLimit)
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn).UTC()
		key.ExpiresAt = &exp
	}
	return rawKey, key, nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := db.NewAPIKeyRepository().List(cmd.Context(), uid, limit, 0)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPREFIX\tACTIVE\tRATE LIMIT\tLAST USED")
			for _, k := range keys {
				override := "-"
				if k.RateLimit != nil {
					override = fmt.Sprint(*k.RateLimit)
				}
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, k.Active, override, lastUsed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner user ID (required)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum keys to show")
	cmd.MarkFlagRequired("user")

	return cmd
}

// ---------- key deactivate ----------

func newKeyDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "deactivate <key-id>",
		Aliases: []string{"revoke"},
		Short:   "Deactivate an API key",
		Long: `Deactivate an API key. Gateways serving from their key cache keep
accepting it until the cache entry expires (CACHE_API_KEY_TTL).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id: %w", err)
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.NewAPIKeyRepository().Deactivate(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s deactivated\n", id)
			return nil
		},
	}
}

// ---------- key hash ----------

func newKeyHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <raw-key>",
		Short: "Print the stored fingerprint of a raw key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), auth.HashKey(args[0]))
			return nil
		},
	}
}
