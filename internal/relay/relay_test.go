package relay

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stellarlinkco/kasumi/internal/llm"
	"github.com/stellarlinkco/kasumi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	relay     *Relay
	store     *memStore
	model     *fakeModel
	indicator *fakeIndicator
	metrics   *Metrics
	clock     *testClock
}

func newRelayFixture(t *testing.T, model *fakeModel, mutate func(*Options, *Deps)) *relayFixture {
	t.Helper()
	clock := newTestClock()
	st := newMemStore(clock.Now)
	ind := &fakeIndicator{}
	metrics := NewMetrics(prometheus.NewRegistry())

	opts := Options{
		Assistant:    "Kasumi",
		Temperature:  0.4,
		MinMessages:  10,
		TokenBudget:  3000,
		QuietWindow:  30 * time.Millisecond,
		InboundLang:  "en",
		OutboundLang: "RU",
	}
	deps := Deps{
		Store:     st,
		Model:     model,
		Prompts:   mustPrompts(t),
		Indicator: ind,
		Metrics:   metrics,
		Clock:     clock.Now,
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	return &relayFixture{
		relay:     New(opts, deps),
		store:     st,
		model:     model,
		indicator: ind,
		metrics:   metrics,
		clock:     clock,
	}
}

func TestHandleMessageReplies(t *testing.T) {
	f := newRelayFixture(t, replyWith("USER Kasumi SAYS Hi alice! END"), nil)

	reply, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: " hello "})
	require.True(t, ok)
	assert.Equal(t, "Hi alice!", reply)

	msgs := f.store.Messages("c")
	require.Len(t, msgs, 2)
	assert.Equal(t, store.Message{ID: 1, Channel: "c", Sender: "alice", Text: "hello", CreatedAt: f.clock.Now()}, msgs[0])
	assert.Equal(t, "Kasumi", msgs[1].Sender)
	assert.Equal(t, "Hi alice!", msgs[1].Text)

	assert.Equal(t, int32(1), f.indicator.starts.Load())
	assert.Equal(t, int32(1), f.indicator.stops.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.replies.WithLabelValues(OutcomeReplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.inbound))
}

func TestHandleMessageBurst(t *testing.T) {
	f := newRelayFixture(t, replyWith("USER Kasumi SAYS one answer END"), func(o *Options, _ *Deps) {
		o.QuietWindow = 80 * time.Millisecond
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		replies []string
	)
	for _, text := range []string{"hey", "are you there", "hello??"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if r, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: text}); ok {
				mu.Lock()
				replies = append(replies, r)
				mu.Unlock()
			}
		}(text)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []string{"one answer"}, replies)
	assert.Equal(t, 1, f.model.Calls())
	// every burst message is history for the single turn
	assert.Len(t, f.store.Messages("c"), 4)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.replies.WithLabelValues(OutcomeSuperseded)))
}

func TestHandleMessageDeclined(t *testing.T) {
	f := newRelayFixture(t, replyWith("USER Bob SAYS Hi END"), nil)

	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "hello"})
	assert.False(t, ok)
	assert.Len(t, f.store.Messages("c"), 1)
	assert.Equal(t, int32(1), f.indicator.stops.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.replies.WithLabelValues(OutcomeDeclined)))
}

func TestHandleMessageModelFailure(t *testing.T) {
	model := &fakeModel{respond: func([]llm.Turn) (llm.Reply, error) {
		return llm.Reply{}, &llm.APIError{Status: 500, Message: "overloaded"}
	}}
	f := newRelayFixture(t, model, nil)

	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "hello"})
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.indicator.starts.Load())
	assert.Equal(t, int32(1), f.indicator.stops.Load())
	assert.Equal(t, 0, f.relay.Typing().Holders("c"))
}

func TestHandleMessageTranslationRoundTrip(t *testing.T) {
	inbound := &fakeTranslator{fn: func(text, target string) (string, error) {
		return "hello, how are you?", nil
	}}
	outbound := &fakeTranslator{fn: func(text, target string) (string, error) {
		return "я в порядке", nil
	}}
	model := replyWith("USER Kasumi SAYS I am fine END")
	f := newRelayFixture(t, model, func(_ *Options, d *Deps) {
		d.Inbound = inbound
		d.Outbound = outbound
	})

	reply, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "привет, как дела?"})
	require.True(t, ok)
	assert.Equal(t, "я в порядке", reply)
	assert.Equal(t, []string{"en"}, inbound.targets)
	assert.Equal(t, []string{"RU"}, outbound.targets)

	msgs := f.store.Messages("c")
	require.Len(t, msgs, 2)
	assert.Equal(t, "привет, как дела?", msgs[0].Text)
	assert.Equal(t, "hello, how are you?", msgs[0].Translation)
	assert.Equal(t, "я в порядке", msgs[1].Text)
	assert.Equal(t, "I am fine", msgs[1].Translation)

	// the model only ever sees the English side
	assert.Contains(t, model.prompts[0][0].Content, "USER alice SAYS hello, how are you? END")
}

func TestHandleMessageTranslationFailure(t *testing.T) {
	inbound := &fakeTranslator{fn: func(text, target string) (string, error) {
		return "", errors.New("google down")
	}}
	model := replyWith("USER Kasumi SAYS hi END")
	f := newRelayFixture(t, model, func(_ *Options, d *Deps) { d.Inbound = inbound })

	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "привет"})
	assert.False(t, ok)
	assert.Empty(t, f.store.Messages("c"))
	assert.Equal(t, 0, model.Calls())
}

func TestHandleMessageStoreFailure(t *testing.T) {
	model := replyWith("USER Kasumi SAYS hi END")
	f := newRelayFixture(t, model, nil)
	f.store.failAppend = errors.New("readonly")

	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "hi"})
	assert.False(t, ok)
	assert.Equal(t, 0, model.Calls())
}

func TestHandleMessageOverBudgetCompacts(t *testing.T) {
	for name, chat := range map[string]llm.Reply{
		"token budget": {Content: "USER Kasumi SAYS long answer END", TotalTokens: 3500, FinishReason: llm.FinishStop},
		"length":       {Content: "USER Kasumi SAYS cut off END", TotalTokens: 200, FinishReason: llm.FinishLength},
	} {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{respond: func(turns []llm.Turn) (llm.Reply, error) {
				if isSummaryPrompt(turns) {
					return llm.Reply{Content: "SUMMARY alice said hi END USER alice INFO greets people END", TotalTokens: 50}, nil
				}
				return chat, nil
			}}
			f := newRelayFixture(t, model, nil)

			_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "hi"})
			require.True(t, ok)
			assert.Equal(t, 2, model.Calls())
			assert.Equal(t, "alice said hi", f.store.summaries["c"].Summary)
			assert.Equal(t, "greets people", f.store.profiles["alice"].Info)
		})
	}
}

func TestHandleMessageAfterSummaryIsCompactedNext(t *testing.T) {
	clock := newTestClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "kasumi.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	require.NoError(t, st.AppendMessage(ctx, store.Message{Channel: "c", Sender: "alice", Text: "hi", CreatedAt: clock.Now()}))
	clock.Advance(700 * time.Millisecond)
	require.NoError(t, st.UpsertSummary(ctx, "c", "alice said hi"))
	clock.Advance(100 * time.Millisecond)

	model := &fakeModel{respond: func(turns []llm.Turn) (llm.Reply, error) {
		if isSummaryPrompt(turns) {
			return llm.Reply{Content: "SUMMARY bob moved END\nUSER bob INFO lives in Berlin END", TotalTokens: 50}, nil
		}
		return llm.Reply{Content: "nothing to add", TotalTokens: 50, FinishReason: llm.FinishStop}, nil
	}}
	f := newRelayFixture(t, model, func(_ *Options, d *Deps) {
		d.Store = st
		d.Clock = clock.Now
	})

	_, ok := f.relay.HandleMessage(ctx, Incoming{Channel: "c", Sender: "bob", Text: "I moved to Berlin"})
	require.False(t, ok)

	sum, found, err := st.Summary(ctx, "c")
	require.NoError(t, err)
	require.True(t, found)
	since, err := st.MessagesSince(ctx, "c", sum.LastUpdate)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "I moved to Berlin", since[0].Text)

	res, err := f.relay.Compactor().CompactChannel(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages)
	assert.True(t, res.SummaryUpdated)
	profiles, err := st.Profiles(ctx, []string{"bob"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "lives in Berlin", profiles[0].Info)
}

func TestHandleMessageUnderBudgetDoesNotCompact(t *testing.T) {
	model := replyWith("USER Kasumi SAYS short END")
	f := newRelayFixture(t, model, nil)

	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "hi"})
	require.True(t, ok)
	assert.Equal(t, 1, model.Calls())
	assert.Empty(t, f.store.summaries)
}

func TestHistoryCommand(t *testing.T) {
	model := replyWith("USER Kasumi SAYS hi END")
	f := newRelayFixture(t, model, nil)
	seed(t, f.store, "c", f.clock.Now(), "alice", "bob")

	out, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: HistoryCommand})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(out, "Messages:\n"))
	assert.Contains(t, out, "alice: msg 0 from alice")
	assert.Contains(t, out, "bob: msg 1 from bob")
	assert.Equal(t, 0, model.Calls())
	assert.Len(t, f.store.Messages("c"), 2, "commands are not stored")
}

func TestHandleMessageIgnoresBlank(t *testing.T) {
	f := newRelayFixture(t, replyWith("USER Kasumi SAYS hi END"), nil)
	_, ok := f.relay.HandleMessage(context.Background(), Incoming{Channel: "c", Sender: "alice", Text: "   "})
	assert.False(t, ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.inbound))
}

func TestFormatHistoryEmpty(t *testing.T) {
	assert.Equal(t, "Messages:\n(none)", FormatHistory(nil))
}
