package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

var (
	ErrForbidden      = errors.New("account not allowed")
	ErrMissingIDToken = errors.New("no id_token in token response")
)

// OAuthConfig holds the web client credentials for Google sign-in.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// NewGoogleProvider returns an oauth2.Config for Google sign-in that only
// asks for the user's email.
func NewGoogleProvider(cfg OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{"openid", "https://www.googleapis.com/auth/userinfo.email"},
		Endpoint:     google.Endpoint,
	}
}

// IDTokenValidator checks a signed Google ID token for audience.
type IDTokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// GoogleSignIn runs the authorization code flow and admits users through a
// DomainPolicy.
type GoogleSignIn struct {
	oauth    *oauth2.Config
	validate IDTokenValidator
	policy   DomainPolicy
}

func NewGoogleSignIn(oauth *oauth2.Config, policy DomainPolicy) *GoogleSignIn {
	return &GoogleSignIn{oauth: oauth, validate: idtoken.Validate, policy: policy}
}

// WithValidator swaps the ID token check, for tests.
func (g *GoogleSignIn) WithValidator(v IDTokenValidator) *GoogleSignIn {
	g.validate = v
	return g
}

// AuthCodeURL is the consent page to redirect to. The account chooser is
// always shown.
func (g *GoogleSignIn) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for the signed-in, verified and
// authorized email address. When the account is refused the error wraps
// ErrForbidden; a verified email refused by the domain policy is still
// returned so the caller can act on the account.
func (g *GoogleSignIn) Exchange(ctx context.Context, code string) (string, error) {
	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("oauth exchange: %w", err)
	}
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return "", ErrMissingIDToken
	}
	payload, err := g.validate(ctx, raw, g.oauth.ClientID)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}
	email, _ := payload.Claims["email"].(string)
	if email == "" {
		return "", fmt.Errorf("%w: id token has no email", ErrForbidden)
	}
	if verified, ok := payload.Claims["email_verified"].(bool); ok && !verified {
		return "", fmt.Errorf("%w: email %s is not verified", ErrForbidden, email)
	}
	if !g.policy.IsAuthorized(email) {
		return email, fmt.Errorf("%w: %s", ErrForbidden, email)
	}
	return email, nil
}
