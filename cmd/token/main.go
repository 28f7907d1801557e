// Package main prints a signed admin token for the /admin routes.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/capitalize-ai/thrift-inbox/internal/config"
	"github.com/capitalize-ai/thrift-inbox/internal/middleware"
)

func main() {
	subject := flag.String("subject", "operator", "token subject")
	scopes := flag.String("scopes", middleware.ScopeAdmin, "comma-separated scopes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	token, err := middleware.IssueToken(cfg.JWTSecret, *subject, strings.Split(*scopes, ","), cfg.JWTExpiration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
