package cli

import (
	"fmt"

	"github.com/phrazzld/promised/internal/service/auth"
	"github.com/spf13/cobra"
)

// TokenCmd returns the token command.
func TokenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "token [producer]",
		Short: "Issue a bearer token for the HTTP API",
		Long:  "Sign a token for the named producer with the configured auth.jwt_secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured; the HTTP API is unauthenticated")
			}
			svc, err := auth.NewJWTService(g.cfg.Auth)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
