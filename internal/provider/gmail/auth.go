package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

var scopes = []string{gm.GmailReadonlyScope}

// loadService builds an authenticated Gmail service from the per-account
// credential directory (<dir>/<address>/credentials.json + token.json).
func loadService(ctx context.Context, dir, address string) (*gm.Service, error) {
	credPath := filepath.Join(dir, address, "credentials.json")
	data, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	tokenPath := filepath.Join(dir, address, "token.json")
	token, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	ts := cfg.TokenSource(ctx, token)
	refreshed, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if refreshed.AccessToken != token.AccessToken {
		if saveErr := saveToken(tokenPath, refreshed); saveErr != nil {
			// Non-fatal: the old refresh token still works next time.
			fmt.Fprintf(os.Stderr, "warning: could not save refreshed token for %s: %v\n", address, saveErr)
		}
	}

	return gm.NewService(ctx, option.WithTokenSource(ts))
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func saveToken(path string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
