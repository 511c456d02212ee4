package main

import (
	"fmt"
	"log/slog"
	"os"

	wanas "github.com/A7medabdelaty/Wanas-Web-sub000"
)

// getClient loads the config and creates a REST client authenticated with
// the stored token. It exits when no token is configured.
func getClient() (*wanas.Client, *Config, *slog.Logger) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'wanas login <token> --user-id <id>' first.")
		os.Exit(1)
	}

	log := newLogger(cfg)
	opts := []wanas.ClientOption{wanas.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, wanas.WithBaseURL(cfg.Default.BaseURL))
	}
	return wanas.NewClient(cfg.Auth.Token, opts...), cfg, log
}

// session bundles everything a live command needs.
type session struct {
	client *wanas.Client
	conn   *wanas.ConnectionManager
	repo   *wanas.ChatRepository
	self   wanas.ID
	log    *slog.Logger
}

// newSession builds a client, connection manager and repository sharing one
// logger and metrics set. metrics may be nil.
func newSession(metrics *wanas.Metrics, autoMarkRead bool) *session {
	client, cfg, log := getClient()
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'wanas config set auth.user_id <id>' first.")
		os.Exit(1)
	}

	conn := wanas.NewConnectionManager(wanas.RealtimeConfig{
		HubURL:      cfg.Default.HubURL,
		TokenSource: client.Token,
		Logger:      log,
		Metrics:     metrics,
	})
	self := wanas.ID(cfg.Auth.UserID)
	repo := wanas.NewChatRepository(client, conn, wanas.RepositoryConfig{
		SelfID:       self,
		AutoMarkRead: autoMarkRead,
		Logger:       log,
		Metrics:      metrics,
	})
	return &session{client: client, conn: conn, repo: repo, self: self, log: log}
}
