package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-guard/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Analyst token management",
	Long:  "Issue and inspect the bearer tokens accepted by the incident API",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an analyst token",
	RunE: func(cmd *cobra.Command, args []string) error {
		analyst, _ := cmd.Flags().GetString("analyst")
		roles, _ := cmd.Flags().GetStringSlice("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if analyst == "" {
			return fmt.Errorf("analyst name is required")
		}
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
		if err != nil {
			return fmt.Errorf("%w (set auth.jwt_secret or GUARD_AUTH_JWT_SECRET)", err)
		}
		token, err := tm.Issue(analyst, roles)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Validate a token and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		claims, err := tm.Validate(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON(cmd) {
			return printJSON(out, claims)
		}
		fmt.Fprintf(out, "Analyst: %s\n", claims.Analyst)
		fmt.Fprintf(out, "Roles:   %v\n", claims.Roles)
		if claims.ExpiresAt != nil {
			fmt.Fprintf(out, "Expires: %s\n", claims.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().String("analyst", "", "analyst name recorded on incident updates")
	tokenIssueCmd.Flags().StringSlice("role", []string{auth.RoleAnalyst}, "roles granted by the token")
	tokenIssueCmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	tokenCmd.AddCommand(tokenIssueCmd, tokenInspectCmd)
	rootCmd.AddCommand(tokenCmd)
}
