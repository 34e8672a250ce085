// Package auth loads catalogue credentials and exchanges them for
// short-lived access tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/hrsi-client/pkg/client"
	"github.com/Sternrassler/hrsi-client/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	// DefaultTokenURL is the HR-S&I OpenID Connect token endpoint.
	DefaultTokenURL = "https://cryo.land.copernicus.eu/auth/realms/cryo/protocol/openid-connect/token"

	// DefaultClientID is the public client registered for password grants.
	DefaultClientID = "PUBLIC"

	// TokenParam is the query parameter that carries the token on
	// download URLs.
	TokenParam = "token"
)

// maxTokenBody bounds the token response read into memory.
const maxTokenBody = 1 << 20

// ErrEmptyToken is returned when the endpoint answers without a token.
var ErrEmptyToken = errors.New("token response has no access_token")

// TokenError is an error reported by the token endpoint in its JSON body.
type TokenError struct {
	StatusCode  int
	Code        string
	Description string
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token request rejected (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token request rejected (status %d): %s", e.StatusCode, e.Code)
}

// Doer sends one HTTP request. *client.Client implements it.
type Doer interface {
	Do(req *http.Request, endpoint string) (*http.Response, error)
}

// TokenSource exchanges credentials for access tokens. Tokens are never
// cached: each call performs a fresh exchange.
type TokenSource struct {
	doer     Doer
	endpoint string
	clientID string
	logger   zerolog.Logger
}

// NewTokenSource creates a token source for endpoint. Empty endpoint and
// clientID select the defaults.
func NewTokenSource(doer Doer, endpoint, clientID string, logger zerolog.Logger) *TokenSource {
	if endpoint == "" {
		endpoint = DefaultTokenURL
	}
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &TokenSource{
		doer:     doer,
		endpoint: endpoint,
		clientID: clientID,
		logger:   logging.Component(logger, "auth"),
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Token performs a password grant for cred and returns the access token.
func (s *TokenSource) Token(ctx context.Context, cred Credential) (string, error) {
	form := url.Values{
		"client_id":  {s.clientID},
		"username":   {cred.Username},
		"password":   {cred.Password},
		"grant_type": {"password"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.doer.Do(req, client.EndpointToken)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if jerr := json.Unmarshal(body, &tr); jerr != nil {
		if resp.StatusCode != http.StatusOK {
			return "", client.StatusError(s.endpoint, resp)
		}
		return "", fmt.Errorf("decode token response: %w", jerr)
	}

	if tr.Error != "" {
		terr := &TokenError{StatusCode: resp.StatusCode, Code: tr.Error, Description: tr.ErrorDescription}
		s.logger.Error().
			Str("user", cred.Username).
			Str("error", tr.Error).
			Str("description", tr.ErrorDescription).
			Msg("Token request rejected")
		return "", terr
	}
	if resp.StatusCode != http.StatusOK {
		return "", client.StatusError(s.endpoint, resp)
	}
	if tr.AccessToken == "" {
		return "", ErrEmptyToken
	}

	s.logger.Debug().Str("user", cred.Username).Msg("Access token obtained")
	return tr.AccessToken, nil
}

// AuthorizeURL appends the token parameter to rawURL, leaving any existing
// parameters untouched.
func AuthorizeURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse download url: %w", err)
	}
	param := TokenParam + "=" + url.QueryEscape(token)
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}
	return u.String(), nil
}
