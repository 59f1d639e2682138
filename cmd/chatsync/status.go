package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the token has expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Default.Transport == "nats" {
			fmt.Printf("  NATS URL:    %s\n", valueOrDefault(cfg.Default.NATSURL, "(not set)"))
		} else {
			fmt.Printf("  Gateway:     %s\n", valueOrDefault(cfg.Default.WSURL, gatewayURL(cfg.Default.BaseURL)))
		}

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID:     %d\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  User ID:     (not set)")
		}
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg, time.Now()))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		api := newAPIClient(cfg)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		counts, err := api.UnreadSummary(ctx)
		if err != nil {
			fmt.Printf("  Error fetching unread summary: %v\n", err)
			return nil
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		fmt.Printf("  Unread:      %s in %d channel(s)\n", humanize.Comma(int64(total)), len(counts))
		return nil
	},
}

func tokenStatus(cfg *Config, now time.Time) string {
	if cfg.Auth.Token == "" {
		return "none"
	}
	masked := maskKey(cfg.Auth.Token)
	if cfg.Auth.TokenExpires == "" {
		return masked + " (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", masked, cfg.Auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s (expires %s)", masked, humanize.RelTime(expires, now, "ago", "from now"))
	}
	return fmt.Sprintf("%s EXPIRED (%s)", masked, humanize.RelTime(expires, now, "ago", "from now"))
}
