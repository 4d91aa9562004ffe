package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/kasumi/internal/llm"
	"github.com/stellarlinkco/kasumi/internal/store"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory ConversationStore that counts writes.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	msgs      []store.Message
	summaries map[string]store.ChannelSummary
	profiles  map[string]store.UserProfile
	writes    int

	profileNames [][]string
	failSummary  error
	failProfile  map[string]error
	failAppend   error
	failSince    error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:         now,
		summaries:   make(map[string]store.ChannelSummary),
		profiles:    make(map[string]store.UserProfile),
		failProfile: make(map[string]error),
	}
}

func (s *memStore) AppendMessage(ctx context.Context, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.ID = int64(len(s.msgs) + 1)
	s.msgs = append(s.msgs, msg)
	s.writes++
	return nil
}

func (s *memStore) channelMessages(channel string) []store.Message {
	var out []store.Message
	for _, m := range s.msgs {
		if m.Channel == channel {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) MessagesSince(ctx context.Context, channel string, since time.Time) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSince != nil {
		return nil, s.failSince
	}
	var out []store.Message
	for _, m := range s.channelMessages(channel) {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) RecentMessages(ctx context.Context, channel string, n int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.channelMessages(channel)
	if n <= 0 {
		return nil, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (s *memStore) Summary(ctx context.Context, channel string) (store.ChannelSummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[channel]
	return sum, ok, nil
}

func (s *memStore) UpsertSummary(ctx context.Context, channel, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSummary != nil {
		return s.failSummary
	}
	s.summaries[channel] = store.ChannelSummary{Channel: channel, Summary: summary, LastUpdate: s.now()}
	s.writes++
	return nil
}

func (s *memStore) Profiles(ctx context.Context, names []string) ([]store.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileNames = append(s.profileNames, append([]string(nil), names...))
	var out []store.UserProfile
	for _, n := range names {
		if p, ok := s.profiles[n]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) UpsertProfile(ctx context.Context, name, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failProfile[name]; err != nil {
		return err
	}
	s.profiles[name] = store.UserProfile{Name: name, Info: info, LastUpdate: s.now()}
	s.writes++
	return nil
}

func (s *memStore) ListChannels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, m := range s.msgs {
		if _, ok := seen[m.Channel]; !ok {
			seen[m.Channel] = struct{}{}
			out = append(out, m.Channel)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) Messages(channel string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelMessages(channel)
}

// fakeModel answers with respond and records every prompt it saw.
type fakeModel struct {
	mu      sync.Mutex
	calls   int
	prompts [][]llm.Turn
	respond func(turns []llm.Turn) (llm.Reply, error)
}

func replyWith(content string) *fakeModel {
	return &fakeModel{respond: func([]llm.Turn) (llm.Reply, error) {
		return llm.Reply{Content: content, TotalTokens: 100, FinishReason: llm.FinishStop}, nil
	}}
}

func (m *fakeModel) Send(ctx context.Context, turns []llm.Turn, temperature float64) (llm.Reply, error) {
	m.mu.Lock()
	m.calls++
	m.prompts = append(m.prompts, turns)
	respond := m.respond
	m.mu.Unlock()
	return respond(turns)
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func isSummaryPrompt(turns []llm.Turn) bool {
	return len(turns) == 2 && strings.Contains(turns[1].Content, "SUMMARY <summary> END")
}

type fakeIndicator struct {
	starts atomic.Int32
	stops  atomic.Int32
	fail   atomic.Bool
}

type fakeHandle struct{ ind *fakeIndicator }

func (h fakeHandle) Stop() { h.ind.stops.Add(1) }

func (f *fakeIndicator) StartActivity(ctx context.Context, channel string) (ActivityHandle, error) {
	if f.fail.Load() {
		return nil, errors.New("typing unavailable")
	}
	f.starts.Add(1)
	return fakeHandle{ind: f}, nil
}

type fakeTranslator struct {
	mu      sync.Mutex
	targets []string
	fn      func(text, target string) (string, error)
}

func (f *fakeTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return f.fn(text, target)
}

func mustPrompts(t *testing.T) *Prompts {
	t.Helper()
	p, err := DefaultPrompts()
	require.NoError(t, err)
	return p
}
