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

type DeepL struct {
	endpoint string
	key      string
	client   *http.Client
}

func NewDeepL(endpoint, key string, client *http.Client) *DeepL {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &DeepL{endpoint: endpoint, key: key, client: client}
}

type deeplResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func (d *DeepL) Translate(ctx context.Context, text, target string) (string, error) {
	form := url.Values{}
	form.Set("target_lang", target)
	form.Set("text", text)
	form.Set("formality", "prefer_less")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build deepl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.key)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", transportErr("deepl", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", transportErr("deepl", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Provider: "deepl", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed deeplResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode deepl response: %w", err)
	}
	if len(parsed.Translations) == 0 || strings.TrimSpace(parsed.Translations[0].Text) == "" {
		return "", ErrEmpty
	}
	return strings.TrimSpace(parsed.Translations[0].Text), nil
}
