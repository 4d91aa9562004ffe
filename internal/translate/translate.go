// Package translate talks to the machine-translation services used on the
// way into and out of the model.
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stellarlinkco/kasumi/internal/config"
)

// Translator renders text in the target language.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

var (
	// ErrEmpty is returned when the service answered but produced no text.
	ErrEmpty = errors.New("empty translation")
	// ErrTransport wraps failures to complete the HTTP exchange.
	ErrTransport = errors.New("translation transport failure")
)

// StatusError is a non-2xx answer from a translation service.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s translate: status %d: %s", e.Provider, e.Status, e.Body)
}

const defaultTimeout = 15 * time.Second

// NewFromConfig returns the inbound (Google) and outbound (DeepL) translators,
// each behind its own circuit breaker. Both are nil when translation is disabled.
func NewFromConfig(cfg config.TranslationConfig, client *http.Client) (inbound, outbound Translator) {
	if !cfg.Enabled {
		return nil, nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	inbound = NewBreaker("google", NewGoogle(cfg.GoogleURL, client))
	outbound = NewBreaker("deepl", NewDeepL(cfg.DeepLURL, cfg.DeepLKey, client))
	return inbound, outbound
}

func transportErr(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, provider, err)
}
