package relay

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/stellarlinkco/kasumi/internal/llm"
	"github.com/stellarlinkco/kasumi/internal/store"
)

const (
	promptDateLayout = "2 January 2006"
	promptTimeLayout = "03:04:05 PM"
)

// ConversationStore is the slice of the store the relay reads and writes.
type ConversationStore interface {
	AppendMessage(ctx context.Context, msg store.Message) error
	MessagesSince(ctx context.Context, channel string, since time.Time) ([]store.Message, error)
	RecentMessages(ctx context.Context, channel string, n int) ([]store.Message, error)
	Summary(ctx context.Context, channel string) (store.ChannelSummary, bool, error)
	UpsertSummary(ctx context.Context, channel, summary string) error
	Profiles(ctx context.Context, names []string) ([]store.UserProfile, error)
	UpsertProfile(ctx context.Context, name, info string) error
	ListChannels(ctx context.Context) ([]string, error)
}

// Assembler builds the two-turn prompt for a channel from its summary, the
// messages after it and the profiles of everyone who spoke.
type Assembler struct {
	store     ConversationStore
	prompts   *Prompts
	assistant string
	now       func() time.Time
}

func NewAssembler(st ConversationStore, prompts *Prompts, assistant string, now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{store: st, prompts: prompts, assistant: assistant, now: now}
}

// BuildPrompt returns the {system, user} turns and how many messages went
// into them. When fewer than minCount messages follow the summary, the most
// recent minCount messages are used instead.
func (a *Assembler) BuildPrompt(ctx context.Context, channel string, userTemplate *template.Template, minCount int) ([]llm.Turn, int, error) {
	sum, ok, err := a.store.Summary(ctx, channel)
	if err != nil {
		return nil, 0, fmt.Errorf("get summary: %w", err)
	}
	if !ok {
		sum = store.ChannelSummary{Channel: channel, LastUpdate: time.Unix(0, 0).UTC()}
	}

	msgs, err := a.store.MessagesSince(ctx, channel, sum.LastUpdate)
	if err != nil {
		return nil, 0, fmt.Errorf("get messages since summary: %w", err)
	}
	if len(msgs) < minCount {
		msgs, err = a.store.RecentMessages(ctx, channel, minCount)
		if err != nil {
			return nil, 0, fmt.Errorf("get recent messages: %w", err)
		}
	}

	profiles, err := a.store.Profiles(ctx, a.participants(msgs))
	if err != nil {
		return nil, 0, fmt.Errorf("get profiles: %w", err)
	}

	now := a.now()
	data := systemData{
		Assistant: a.assistant,
		Date:      now.Format(promptDateLayout),
		Time:      now.Format(promptTimeLayout),
		Summary:   sum.Summary,
	}
	for _, p := range profiles {
		data.Profiles = append(data.Profiles, promptProfile{Name: p.Name, Info: p.Info})
	}
	for _, m := range msgs {
		data.Messages = append(data.Messages, promptMessage{Sender: m.Sender, Text: m.PromptText()})
	}

	system, err := render(a.prompts.System, data)
	if err != nil {
		return nil, 0, err
	}
	user, err := render(userTemplate, userData{Assistant: a.assistant})
	if err != nil {
		return nil, 0, err
	}

	turns := []llm.Turn{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
	return turns, len(msgs), nil
}

// participants lists distinct senders in order of first appearance, then the
// assistant.
func (a *Assembler) participants(msgs []store.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	names := make([]string, 0, len(msgs)+1)
	for _, m := range msgs {
		if strings.EqualFold(m.Sender, a.assistant) {
			continue
		}
		if _, ok := seen[m.Sender]; ok {
			continue
		}
		seen[m.Sender] = struct{}{}
		names = append(names, m.Sender)
	}
	return append(names, a.assistant)
}
