// File: cmd/token.go
package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/mcpdriver/internal/host"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issues an access token for a host that has host.auth_secret set",
		Long: `Signs a bearer token with host.auth_secret. Clients send it as
client.auth_token (or MCPDRIVER_CLIENT_AUTH_TOKEN).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			secret := cfg.Host().AuthSecret
			if secret == "" {
				return errors.New("host.auth_secret is not configured")
			}
			token, err := host.IssueToken(secret, subject, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "mcpdriver-client", "Subject recorded in the token and in host logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "How long the token stays valid")
	return cmd
}
