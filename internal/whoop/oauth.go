package whoop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"whoop-sync/internal/metrics"
)

// ErrTokenRejected means the authorization server refused the grant. The
// user has to authorize again.
var ErrTokenRejected = errors.New("whoop: token rejected")

// Token is a WHOOP OAuth token set
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

func (c *Client) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL builds the authorization URL for the given CSRF state
func (c *Client) AuthCodeURL(state string) string {
	return c.oauthConfig().AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	start := time.Now()
	tok, err := c.oauthConfig().Exchange(ctx, code)
	duration := time.Since(start)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			status := rErr.Response.StatusCode
			metrics.WhoopAPIRequestsTotal.WithLabelValues(metrics.OpExchangeCode, fmt.Sprint(status)).Inc()
			c.logger.Error("Token exchange failed", "status", status, "error_code", rErr.ErrorCode, "duration_ms", duration.Milliseconds())
			if status >= 400 && status < 500 {
				return nil, fmt.Errorf("%w: %w", ErrTokenRejected, err)
			}
			return nil, fmt.Errorf("token exchange failed: %w", &HTTPError{StatusCode: status, Body: truncate(string(rErr.Body), 512)})
		}
		metrics.WhoopAPIRequestsTotal.WithLabelValues(metrics.OpExchangeCode, "error").Inc()
		c.logger.Error("Token exchange failed", "error", err, "duration_ms", duration.Milliseconds())
		return nil, fmt.Errorf("%w: token exchange failed: %w", ErrNetwork, err)
	}

	metrics.WhoopAPIRequestsTotal.WithLabelValues(metrics.OpExchangeCode, "200").Inc()
	c.logger.Info("Token exchange completed", "duration_ms", duration.Milliseconds())

	scope, _ := tok.Extra("scope").(string)
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
	}, nil
}

// RefreshToken obtains a new token set. WHOOP rotates the refresh token on
// every call, so the returned RefreshToken replaces the old one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"scope":         {"offline"},
	}

	body, err := c.doOnce(ctx, metrics.OpRefreshToken, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrClientError) {
			return nil, fmt.Errorf("%w: %w", ErrTokenRejected, err)
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in refresh response", ErrTokenRejected)
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
