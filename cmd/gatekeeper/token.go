package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/honestinvoice/gatekeeper/pkg/config"
	"github.com/honestinvoice/gatekeeper/pkg/middleware"
)

// token prints a signed bearer token for local testing and operator use
func token(out io.Writer, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "Tenant ID (token subject)")
	role := fs.String("role", "", "Role claim; \"admin\" unlocks /v1/admin")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	secret := fs.String("secret", os.Getenv("GATEKEEPER_JWT_SECRET"), "HS256 signing secret")
	issuer := fs.String("issuer", os.Getenv("GATEKEEPER_JWT_ISSUER"), "Issuer claim")
	audience := fs.String("audience", os.Getenv("GATEKEEPER_JWT_AUDIENCE"), "Audience claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*secret) < 32 {
		return errors.New("secret must be at least 32 bytes")
	}

	signed, err := middleware.SignToken([]byte(*secret), middleware.TokenSpec{
		TenantID: *tenant,
		Role:     *role,
		Issuer:   *issuer,
		Audience: *audience,
		TTL:      *ttl,
	}, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}
