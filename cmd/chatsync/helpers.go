package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sitecrm/chatsync"
)

// requireSession loads the config and fails when no session is stored.
func requireSession() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == 0 {
		return nil, fmt.Errorf("no session; run 'chatsync init <token> --user-id <id>' first")
	}
	return cfg, nil
}

// newAPIClient creates a REST client authenticated with the stored token.
func newAPIClient(cfg *Config) *chatsync.HTTPClient {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, chatsync.WithRateLimit(10, 5))
	return chatsync.NewHTTPClient(cfg.Auth.Token, opts...)
}

func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

// newTransport builds the configured real-time transport.
func newTransport(cfg *Config, log *zap.Logger) (chatsync.Transport, error) {
	switch valueOrDefault(cfg.Default.Transport, "ws") {
	case "ws":
		return chatsync.NewWSTransport(chatsync.WSConfig{
			URL:           valueOrDefault(cfg.Default.WSURL, gatewayURL(cfg.Default.BaseURL)),
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        log,
		}), nil
	case "nats":
		if cfg.Default.NATSURL == "" {
			return nil, fmt.Errorf("transport is nats but default.nats_url is not set")
		}
		return chatsync.NewNATSTransport(chatsync.NATSConfig{
			URL:    cfg.Default.NATSURL,
			Token:  cfg.Auth.Token,
			UserID: cfg.Auth.UserID,
			Logger: log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Default.Transport)
	}
}

// gatewayURL derives the gateway URL from the REST base URL:
// http://host/api -> http://host/chat.
func gatewayURL(baseURL string) string {
	base := strings.TrimRight(valueOrDefault(baseURL, chatsync.DefaultBaseURL), "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/chat"
}

// openCache opens the on-disk snapshot cache.
func openCache(cfg *Config) (*chatsync.PebbleCache, error) {
	dir := cfg.Default.CacheDir
	if dir == "" {
		root, err := configDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(root, "cache", fmt.Sprint(cfg.Auth.UserID))
	}
	return chatsync.OpenPebbleCache(dir)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
