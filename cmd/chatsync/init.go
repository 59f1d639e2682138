package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitecrm/chatsync"
)

var (
	initUserID  int64
	initBaseURL string
	initWSURL   string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Int64Var(&initUserID, "user-id", 0, "CRM user id the token belongs to (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST API base URL")
	initCmd.Flags().StringVar(&initWSURL, "ws-url", "", "real-time gateway URL")
	_ = initCmd.MarkFlagRequired("user-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Initialize the CLI by storing a CRM session token and the user it belongs to.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initUserID <= 0 {
			return fmt.Errorf("--user-id must be a positive integer")
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = chatsync.DefaultBaseURL
		}
		if initWSURL != "" {
			cfg.Default.WSURL = initWSURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
