package translate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellarlinkco/kasumi/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "auto", r.PostForm.Get("sl"))
		assert.Equal(t, "en", r.PostForm.Get("tl"))
		assert.Equal(t, "привет. как дела?", r.PostForm.Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentences":[{"trans":"hello. "},{"trans":"how are you?"}],"src":"ru"}`))
	}))
	defer srv.Close()

	out, err := NewGoogle(srv.URL, srv.Client()).Translate(context.Background(), "привет. как дела?", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello. how are you?", out)
}

func TestGoogleEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sentences":[]}`))
	}))
	defer srv.Close()

	_, err := NewGoogle(srv.URL, srv.Client()).Translate(context.Background(), "x", "en")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDeepLTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "DeepL-Auth-Key secret", r.Header.Get("Authorization"))
		assert.Equal(t, "RU", r.PostForm.Get("target_lang"))
		assert.Equal(t, "prefer_less", r.PostForm.Get("formality"))
		assert.Equal(t, "hi there", r.PostForm.Get("text"))
		_, _ = w.Write([]byte(`{"translations":[{"detected_source_language":"EN","text":"привет"}]}`))
	}))
	defer srv.Close()

	out, err := NewDeepL(srv.URL, "secret", srv.Client()).Translate(context.Background(), "hi there", "RU")
	require.NoError(t, err)
	assert.Equal(t, "привет", out)
}

func TestDeepLErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", 456)
		}))
		defer srv.Close()

		_, err := NewDeepL(srv.URL, "k", srv.Client()).Translate(context.Background(), "x", "RU")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 456, se.Status)
		assert.Equal(t, "deepl", se.Provider)
	})

	t.Run("empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"translations":[]}`))
		}))
		defer srv.Close()

		_, err := NewDeepL(srv.URL, "k", srv.Client()).Translate(context.Background(), "x", "RU")
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("transport", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		_, err := NewDeepL(url, "k", nil).Translate(context.Background(), "x", "RU")
		assert.ErrorIs(t, err, ErrTransport)
	})
}

type scripted struct {
	calls int
	errs  []error
}

func (s *scripted) Translate(ctx context.Context, text, target string) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return text + "@" + target, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("boom")
	next := &scripted{errs: []error{boom, boom, boom}}
	b := newBreaker("test", next, time.Hour)

	for i := 0; i < 3; i++ {
		_, err := b.Translate(context.Background(), "x", "en")
		assert.ErrorIs(t, err, boom)
	}
	_, err := b.Translate(context.Background(), "x", "en")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, next.calls, "open breaker must not call through")
}

func TestBreakerIgnoresEmpty(t *testing.T) {
	next := &scripted{errs: []error{ErrEmpty, ErrEmpty, ErrEmpty, ErrEmpty}}
	b := newBreaker("test", next, time.Hour)

	for i := 0; i < 4; i++ {
		_, err := b.Translate(context.Background(), "x", "en")
		assert.ErrorIs(t, err, ErrEmpty)
	}
	out, err := b.Translate(context.Background(), "x", "en")
	require.NoError(t, err)
	assert.Equal(t, "x@en", out)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Translation
	in, out := NewFromConfig(cfg, nil)
	assert.Nil(t, in)
	assert.Nil(t, out)

	cfg.Enabled = true
	in, out = NewFromConfig(cfg, nil)
	assert.NotNil(t, in)
	assert.NotNil(t, out)
}
