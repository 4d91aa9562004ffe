package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Google uses the public translate_a endpoint with source auto-detection.
type Google struct {
	endpoint string
	client   *http.Client
}

func NewGoogle(endpoint string, client *http.Client) *Google {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Google{endpoint: endpoint, client: client}
}

type googleResponse struct {
	Sentences []struct {
		Trans string `json:"trans"`
	} `json:"sentences"`
}

func (g *Google) Translate(ctx context.Context, text, target string) (string, error) {
	form := url.Values{}
	form.Set("sl", "auto")
	form.Set("tl", target)
	form.Set("q", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build google request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", transportErr("google", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", transportErr("google", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Provider: "google", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed googleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode google response: %w", err)
	}
	var sb strings.Builder
	for _, s := range parsed.Sentences {
		sb.WriteString(s.Trans)
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", ErrEmpty
	}
	return out, nil
}
