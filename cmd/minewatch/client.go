package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/minewatch/internal/client"
	"github.com/kalambet/minewatch/internal/config"
)

// reloadConfig is called after the API rejects the token. Tests replace it.
var reloadConfig = config.Load

// newAPIClient builds the analysis API client. Tests replace it.
var newAPIClient = func(cfg config.Config) (*client.Client, error) {
	var c *client.Client
	c, err := client.New(cfg.API.BaseURL,
		client.WithToken(cfg.API.Token),
		client.WithHTTPClient(&http.Client{Timeout: cfg.API.RequestTimeout}),
		client.WithRefresher(client.RefreshFunc(func(ctx context.Context) error {
			return refreshToken(ctx, c)
		})),
	)
	return c, err
}

// refreshToken picks up a token changed with `config set api.token` (or in
// the secret store) while a watch is running. The next poll uses it.
func refreshToken(ctx context.Context, c *client.Client) error {
	cfg, err := reloadConfig()
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	if cfg.API.Token == "" || cfg.API.Token == c.Token() {
		slog.WarnContext(ctx, "analysis API rejected credentials; set api.token or MINEWATCH_API_TOKEN")
		return nil
	}
	c.SetToken(cfg.API.Token)
	slog.InfoContext(ctx, "reloaded analysis API token")
	return nil
}
