// Command supportline-token mints a bearer token for the operator API.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/supportline/supportline/internal/api/middleware"
	"github.com/supportline/supportline/internal/config"
)

func main() {
	fs := flag.NewFlagSet("supportline-token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("SUPPORTLINE_JWT_SECRET"), "hex-encoded 32-byte signing secret (env: SUPPORTLINE_JWT_SECRET)")
	operator := fs.String("operator", "", "operator name recorded in the token")
	ttl := fs.Duration("ttl", middleware.DefaultTokenTTL, "token lifetime")
	fs.Parse(os.Args[1:]) //nolint:errcheck

	if *operator == "" {
		fmt.Fprintln(os.Stderr, "error: -operator is required")
		os.Exit(2)
	}

	cfg := &config.Config{JWTSecret: *secret}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if key == nil {
		fmt.Fprintln(os.Stderr, "error: no signing secret given")
		os.Exit(2)
	}

	token, expiresAt, err := middleware.GenerateOperatorToken(key, *operator, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
}
