package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"call-assist-agent/internal/service/stt"
)

// CredentialFetcher obtains short-lived recognition credentials.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (stt.Credentials, error)
}

// tokenResponse is the token endpoint body: {token, region} or {error}.
type tokenResponse struct {
	Token  string `json:"token"`
	Region string `json:"region"`
	Error  string `json:"error"`
}

// TokenFetcher fetches credentials from the backend token endpoint so the
// long-lived provider key never leaves the backend.
type TokenFetcher struct {
	URL    string
	Client *http.Client
}

// NewTokenFetcher creates a fetcher for url with the given request timeout.
func NewTokenFetcher(url string, timeout time.Duration) *TokenFetcher {
	return &TokenFetcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Fetch performs GET URL and decodes the credentials.
func (f *TokenFetcher) Fetch(ctx context.Context) (stt.Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return stt.Credentials{}, fmt.Errorf("build token request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return stt.Credentials{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return stt.Credentials{}, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return stt.Credentials{}, fmt.Errorf("token endpoint returned %s", resp.Status)
		}
		return stt.Credentials{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return stt.Credentials{}, fmt.Errorf("token endpoint: %s", tr.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Credentials{}, fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	if tr.Token == "" {
		return stt.Credentials{}, fmt.Errorf("token endpoint returned no token")
	}
	return stt.Credentials{Token: tr.Token, Region: tr.Region}, nil
}

// StaticFetcher returns fixed credentials. Used with the mock engine and with
// application default credentials.
type StaticFetcher stt.Credentials

// Fetch returns the static credentials.
func (f StaticFetcher) Fetch(ctx context.Context) (stt.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return stt.Credentials{}, err
	}
	return stt.Credentials(f), nil
}
