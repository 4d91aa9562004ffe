// Package relay turns a channel's inbound messages into at most one assistant
// reply per burst and keeps the channel's rolling memory compact.
package relay

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/kasumi/internal/llm"
	"github.com/stellarlinkco/kasumi/internal/store"
	"github.com/stellarlinkco/kasumi/internal/translate"
)

const (
	// HistoryCommand asks for the channel's last stored messages.
	HistoryCommand = "!last"
	historyLimit   = 10
)

type Options struct {
	Assistant    string
	Temperature  float64
	MinMessages  int
	TokenBudget  int
	QuietWindow  time.Duration
	InboundLang  string
	OutboundLang string
}

// Deps are the relay's collaborators. Inbound and Outbound may be nil to
// store and send text untranslated; Indicator and Metrics may be nil.
type Deps struct {
	Store     ConversationStore
	Model     llm.ModelClient
	Prompts   *Prompts
	Indicator ActivityIndicator
	Inbound   translate.Translator
	Outbound  translate.Translator
	Metrics   *Metrics
	Clock     func() time.Time
}

// Incoming is one platform message addressed to a channel. It is stamped
// with the relay's clock when stored; the platform's send time is ignored.
type Incoming struct {
	Channel string
	Sender  string
	Text    string
}

type Relay struct {
	opts      Options
	store     ConversationStore
	model     llm.ModelClient
	prompts   *Prompts
	inbound   translate.Translator
	outbound  translate.Translator
	metrics   *Metrics
	now       func() time.Time
	grammar   Grammar
	assembler *Assembler
	compactor *Compactor
	debouncer *Debouncer
	typing    *TypingAggregator
}

func New(opts Options, deps Deps) *Relay {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	assembler := NewAssembler(deps.Store, deps.Prompts, opts.Assistant, now)
	return &Relay{
		opts:      opts,
		store:     deps.Store,
		model:     deps.Model,
		prompts:   deps.Prompts,
		inbound:   deps.Inbound,
		outbound:  deps.Outbound,
		metrics:   deps.Metrics,
		now:       now,
		grammar:   NewGrammar(opts.Assistant),
		assembler: assembler,
		compactor: NewCompactor(deps.Store, assembler, deps.Model, deps.Prompts, opts.Assistant, opts.Temperature, deps.Metrics),
		debouncer: NewDebouncer(opts.QuietWindow),
		typing:    NewTypingAggregator(deps.Indicator, deps.Metrics),
	}
}

func (r *Relay) Compactor() *Compactor { return r.compactor }

func (r *Relay) Typing() *TypingAggregator { return r.typing }

// HandleMessage runs one inbound message through the pipeline and returns the
// text to send, if any. Failures are logged and yield no reply.
func (r *Relay) HandleMessage(ctx context.Context, in Incoming) (string, bool) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return "", false
	}
	r.metrics.messageIn()

	if text == HistoryCommand {
		out, err := r.History(ctx, in.Channel, historyLimit)
		if err != nil {
			log.Printf("[relay] %s history: %v", in.Channel, err)
			r.metrics.turn(OutcomeFailed)
			return "", false
		}
		r.metrics.turn(OutcomeCommand)
		return out, true
	}

	turn := newTurnID()
	msg := store.Message{Channel: in.Channel, Sender: in.Sender, Text: text, CreatedAt: r.now()}
	if r.inbound != nil {
		translated, err := r.inbound.Translate(ctx, text, r.opts.InboundLang)
		if err != nil {
			log.Printf("[relay] turn %s: translate inbound: %v", turn, err)
			r.metrics.turn(OutcomeFailed)
			return "", false
		}
		msg.Translation = translated
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		log.Printf("[relay] turn %s: store inbound: %v", turn, err)
		r.metrics.turn(OutcomeFailed)
		return "", false
	}

	if !r.debouncer.ShouldRespond(ctx, in.Channel) {
		r.metrics.turn(OutcomeSuperseded)
		return "", false
	}

	release := r.typing.Hold(ctx, in.Channel)
	reply, outcome, compact := r.respond(ctx, turn, in.Channel)
	release()
	r.metrics.turn(outcome)

	if compact {
		log.Printf("[relay] turn %s: token budget reached, compacting", turn)
		if _, err := r.compactor.CompactAll(ctx); err != nil {
			log.Printf("[relay] turn %s: compact: %v", turn, err)
		}
	}
	return reply, outcome == OutcomeReplied
}

func (r *Relay) respond(ctx context.Context, turn, channel string) (reply, outcome string, compact bool) {
	turns, count, err := r.assembler.BuildPrompt(ctx, channel, r.prompts.ChatUser, r.opts.MinMessages)
	if err != nil {
		log.Printf("[relay] turn %s: build prompt: %v", turn, err)
		return "", OutcomeFailed, false
	}

	resp, err := r.model.Send(ctx, turns, r.opts.Temperature)
	if err != nil {
		log.Printf("[relay] turn %s: model: %v", turn, err)
		return "", OutcomeFailed, false
	}
	r.metrics.modelTokens(resp.TotalTokens)
	compact = resp.FinishReason == llm.FinishLength ||
		(r.opts.TokenBudget > 0 && resp.TotalTokens > r.opts.TokenBudget)
	log.Printf("[relay] turn %s: %d messages, %d tokens, finish %s", turn, count, resp.TotalTokens, resp.FinishReason)

	d := r.grammar.ParseReply(resp.Content)
	if d.Kind != Reply {
		log.Printf("[relay] turn %s: no reply for assistant", turn)
		return "", OutcomeDeclined, compact
	}

	sent := d.Text
	if r.outbound != nil {
		translated, err := r.outbound.Translate(ctx, d.Text, r.opts.OutboundLang)
		if err != nil {
			log.Printf("[relay] turn %s: translate reply: %v", turn, err)
			return "", OutcomeFailed, compact
		}
		sent = translated
	}

	own := store.Message{Channel: channel, Sender: r.opts.Assistant, Text: sent, CreatedAt: r.now()}
	if r.outbound != nil {
		own.Translation = d.Text
	}
	if err := r.store.AppendMessage(ctx, own); err != nil {
		log.Printf("[relay] turn %s: store reply: %v", turn, err)
		return "", OutcomeFailed, compact
	}
	return sent, OutcomeReplied, compact
}

// History formats the channel's last n messages oldest first.
func (r *Relay) History(ctx context.Context, channel string, n int) (string, error) {
	msgs, err := r.store.RecentMessages(ctx, channel, n)
	if err != nil {
		return "", fmt.Errorf("get recent messages: %w", err)
	}
	return FormatHistory(msgs), nil
}

func FormatHistory(msgs []store.Message) string {
	var sb strings.Builder
	sb.WriteString("Messages:\n")
	if len(msgs) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, m := range msgs {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.Sender, m.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func newTurnID() string {
	return uuid.NewString()[:8]
}
