package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTokenTTL is the lifetime requested for per-session credentials.
const DefaultTokenTTL = 300 * time.Second

// TokenSource issues the credential presented when a session dials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken presents the same credential every time.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TempKeyClient exchanges a long-lived API key for a short-lived one.
type TempKeyClient struct {
	HTTPClient *http.Client
	Endpoint   string
	APIKey     string
	TTL        time.Duration
}

func NewTempKeyClient(endpoint, apiKey string) *TempKeyClient {
	return &TempKeyClient{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Endpoint:   endpoint,
		APIKey:     apiKey,
		TTL:        DefaultTokenTTL,
	}
}

type tempKeyRequest struct {
	TTL int `json:"ttl"`
}

type tempKeyResponse struct {
	KeyValue string `json:"key_value"`
}

// Token requests a fresh temporary key.
func (c *TempKeyClient) Token(ctx context.Context) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("transcription api key missing")
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	body, _ := json.Marshal(tempKeyRequest{TTL: int(ttl / time.Second)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("temp key request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("temp key error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var tr tempKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("temp key decode: %w", err)
	}
	if tr.KeyValue == "" {
		return "", fmt.Errorf("temp key: empty key_value")
	}
	return tr.KeyValue, nil
}
