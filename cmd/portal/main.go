// Package main runs the AMPOS licensing portal.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"amposlicense/internal/app"
	"amposlicense/internal/config"
	"amposlicense/internal/middleware"
	api "amposlicense/pkg/contracts/api/v1"
	"amposlicense/pkg/contracts"
)

func main() {
	configPath := flag.String("config", "", "config file (default $AMPOS_CONFIG or ./ampos.yaml)")
	issueToken := flag.String("issue-admin-token", "", "print an admin API token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 12*time.Hour, "lifetime of tokens issued with -issue-admin-token")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.VersionInfo())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *issueToken != "" {
		if err := printAdminToken(cfg, *issueToken, *tokenTTL); err != nil {
			slog.Error("Failed to issue admin token", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := application.Run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func printAdminToken(cfg *config.Config, subject string, ttl time.Duration) error {
	now := time.Now().UTC()
	token, err := middleware.IssueAdminToken([]byte(cfg.Portal.JWTSecret), subject, ttl, now)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(api.IssueTokenResponse{Token: token, ExpiresAt: now.Add(ttl)})
}
