package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/auth"
)

var tokenFlags struct {
	secret  string
	issuer  string
	subject string
	role    string
	scopes  []string
	ttl     time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API bearer token",
	RunE:  runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.secret, "secret", os.Getenv("DILIGENCE_AUTH_JWT_SECRET"), "HS256 signing secret (auth.jwt_secret)")
	f.StringVar(&tokenFlags.issuer, "issuer", "diligence", "Token issuer (auth.issuer)")
	f.StringVar(&tokenFlags.subject, "subject", "", "Operator name (required)")
	f.StringVar(&tokenFlags.role, "role", auth.RoleOperator, "viewer, operator or admin")
	f.StringSliceVar(&tokenFlags.scopes, "scope", nil, "Explicit scopes (default: the role's scopes)")
	f.DurationVar(&tokenFlags.ttl, "ttl", 12*time.Hour, "Token lifetime")

	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, _ []string) error {
	if tokenFlags.secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or DILIGENCE_AUTH_JWT_SECRET)")
	}
	switch tokenFlags.role {
	case auth.RoleViewer, auth.RoleOperator, auth.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", tokenFlags.role)
	}
	token, err := auth.NewJWTManager(tokenFlags.secret, tokenFlags.issuer, tokenFlags.ttl).
		Issue(tokenFlags.subject, tokenFlags.role, tokenFlags.scopes...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
