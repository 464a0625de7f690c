package services

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// NewTokenSource returns the bearer token source for the managed runtime. A non-empty staticToken is used
// as-is; otherwise tokens come from the application default credentials of the environment.
func NewTokenSource(ctx context.Context, staticToken string) (oauth2.TokenSource, error) {
	if staticToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: staticToken, TokenType: "Bearer"}), nil
	}

	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return ts, nil
}

func authorize(req *http.Request, tokens oauth2.TokenSource) error {
	if tokens == nil {
		return fmt.Errorf("%w: no token source configured", ErrAuth)
	}
	tok, err := tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuth, err)
	}
	tok.SetAuthHeader(req)
	return nil
}
