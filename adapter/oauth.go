package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultTokenPath is the token endpoint path of the authorization server
	DefaultTokenPath = "auth/oauth2/beta1/token"
	// DefaultScope is requested on password sign-on
	DefaultScope = "trapi"

	tokenRequestTimeout = 30 * time.Second
)

// BuildTokenURL assembles the token endpoint URL
func BuildTokenURL(host string, port int, path string) string {
	return fmt.Sprintf("https://%s:%d/%s", host, port, strings.TrimPrefix(path, "/"))
}

// PasswordGrantProvider implements TokenProvider with the OAuth2 resource
// owner password grant for sign-on and the refresh grant afterwards.
// The client authenticates with HTTP basic auth (username, client secret).
type PasswordGrantProvider struct {
	config     *oauth2.Config
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPasswordGrantProvider creates a token provider for tokenURL.
// httpClient may be nil, in which case a client with a 30s timeout is used.
func NewPasswordGrantProvider(tokenURL, username, password, clientSecret, scope string, httpClient *http.Client, logger *zap.Logger) *PasswordGrantProvider {
	var scopes []string
	if scope != "" {
		scopes = []string{scope}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenRequestTimeout}
	}
	return &PasswordGrantProvider{
		config: &oauth2.Config{
			ClientID:     username,
			ClientSecret: clientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Token implements TokenProvider.
// A 401 answer to a refresh grant means the refresh token expired; in that
// case the password grant is tried exactly once.
func (p *PasswordGrantProvider) Token(ctx context.Context, refreshToken string) (TokenInfo, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.signOnClient())

	if refreshToken == "" {
		return p.passwordToken(ctx)
	}

	token, err := p.refreshToken(ctx, refreshToken)
	if err == nil {
		return token, nil
	}

	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.StatusCode == http.StatusUnauthorized {
		p.logger.Warn("Refresh token rejected, signing on with password",
			zap.String("function", "Token"),
			zap.Int("status", authErr.StatusCode))
		return p.passwordToken(ctx)
	}
	return TokenInfo{}, err
}

func (p *PasswordGrantProvider) passwordToken(ctx context.Context) (TokenInfo, error) {
	p.logger.Info("Sending authentication request with password",
		zap.String("function", "passwordToken"),
		zap.String("url", p.config.Endpoint.TokenURL),
		zap.String("user", p.username))

	token, err := p.config.PasswordCredentialsToken(ctx, p.username, p.password)
	if err != nil {
		return TokenInfo{}, p.wrapError(err)
	}
	return p.tokenInfo(token), nil
}

func (p *PasswordGrantProvider) refreshToken(ctx context.Context, refreshToken string) (TokenInfo, error) {
	p.logger.Info("Sending authentication request with refresh token",
		zap.String("function", "refreshToken"),
		zap.String("url", p.config.Endpoint.TokenURL))

	// An empty access token forces the token source to refresh immediately
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return TokenInfo{}, p.wrapError(err)
	}
	return p.tokenInfo(token), nil
}

// wrapError turns token endpoint rejections into *AuthError
func (p *PasswordGrantProvider) wrapError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		code := retrieveErr.Response.StatusCode
		p.logger.Error("Authentication result failure",
			zap.String("function", "wrapError"),
			zap.Int("status", code),
			zap.ByteString("body", retrieveErr.Body))
		return &AuthError{
			StatusCode: code,
			Reason:     http.StatusText(code),
			Body:       strings.TrimSpace(string(retrieveErr.Body)),
		}
	}
	p.logger.Error("Authentication request failed",
		zap.String("function", "wrapError"),
		zap.Error(err))
	return fmt.Errorf("token request failed: %w", err)
}

func (p *PasswordGrantProvider) tokenInfo(token *oauth2.Token) TokenInfo {
	info := TokenInfo{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}

	expiresIn, err := strconv.Atoi(fmt.Sprintf("%v", token.Extra("expires_in")))
	if err == nil {
		info.ExpiresIn = time.Duration(expiresIn) * time.Second
	} else if !token.Expiry.IsZero() {
		info.ExpiresIn = time.Until(token.Expiry).Round(time.Second)
	}

	p.logger.Info("Authentication succeeded",
		zap.String("function", "tokenInfo"),
		zap.Duration("expires_in", info.ExpiresIn),
		zap.Bool("refresh_token", info.RefreshToken != ""))
	return info
}

// signOnClient wraps the configured client so every token request asks for
// exclusive sign-on control and names the user.
func (p *PasswordGrantProvider) signOnClient() *http.Client {
	base := p.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: &signOnTransport{base: base, username: p.username},
		Timeout:   p.httpClient.Timeout,
	}
}

type signOnTransport struct {
	base     http.RoundTripper
	username string
}

func (t *signOnTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPost || req.Body == nil {
		return t.base.RoundTrip(req)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read token request: %w", err)
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token request: %w", err)
	}
	form.Set("takeExclusiveSignOnControl", "true")
	if form.Get("username") == "" {
		form.Set("username", t.username)
	}
	encoded := form.Encode()

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(strings.NewReader(encoded))
	out.ContentLength = int64(len(encoded))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(encoded)), nil
	}
	out.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(out)
}
