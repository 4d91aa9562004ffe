package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/stellarlinkco/kasumi/internal/llm"
	"golang.org/x/sync/singleflight"
)

// ChannelResult describes one channel's compaction.
type ChannelResult struct {
	Channel        string
	Messages       int
	SummaryUpdated bool
	Profiles       int
	Skipped        bool
}

// PassReport totals one CompactAll pass.
type PassReport struct {
	Channels  int
	Compacted int
	Skipped   int
	Failed    int
}

// Compactor folds each channel's new history into its summary and the
// speakers' profiles.
type Compactor struct {
	store       ConversationStore
	assembler   *Assembler
	model       llm.ModelClient
	grammar     Grammar
	prompts     *Prompts
	temperature float64
	metrics     *Metrics
	group       singleflight.Group
}

func NewCompactor(st ConversationStore, assembler *Assembler, model llm.ModelClient, prompts *Prompts, assistant string, temperature float64, metrics *Metrics) *Compactor {
	return &Compactor{
		store:       st,
		assembler:   assembler,
		model:       model,
		grammar:     NewGrammar(assistant),
		prompts:     prompts,
		temperature: temperature,
		metrics:     metrics,
	}
}

// CompactAll compacts every channel with stored messages. Concurrent calls
// share the pass already running. A failing channel is logged and the pass
// moves on; only failing to list channels is returned.
func (c *Compactor) CompactAll(ctx context.Context) (PassReport, error) {
	v, err, shared := c.group.Do("all", func() (interface{}, error) {
		return c.compactAll(ctx)
	})
	if shared {
		log.Printf("[compact] joined running pass")
	}
	if err != nil {
		return PassReport{}, err
	}
	return v.(PassReport), nil
}

func (c *Compactor) compactAll(ctx context.Context) (PassReport, error) {
	channels, err := c.store.ListChannels(ctx)
	if err != nil {
		return PassReport{}, fmt.Errorf("list channels: %w", err)
	}

	report := PassReport{Channels: len(channels)}
	for _, ch := range channels {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := c.CompactChannel(ctx, ch)
		switch {
		case err != nil:
			log.Printf("[compact] channel %s: %v", ch, err)
			report.Failed++
		case res.Skipped:
			report.Skipped++
		default:
			report.Compacted++
		}
	}
	log.Printf("[compact] pass done: %d channels, %d compacted, %d skipped, %d failed",
		report.Channels, report.Compacted, report.Skipped, report.Failed)
	return report, nil
}

// CompactChannel runs one channel's compaction. Channels without messages
// after their summary are skipped without writing anything. Write failures
// for single directives are logged and do not stop the others.
func (c *Compactor) CompactChannel(ctx context.Context, channel string) (ChannelResult, error) {
	res := ChannelResult{Channel: channel}

	turns, count, err := c.assembler.BuildPrompt(ctx, channel, c.prompts.SummaryUser, 0)
	if err != nil {
		c.metrics.compaction("failed")
		return res, fmt.Errorf("build summary prompt: %w", err)
	}
	res.Messages = count
	if count == 0 {
		res.Skipped = true
		c.metrics.compaction("skipped")
		return res, nil
	}

	reply, err := c.model.Send(ctx, turns, c.temperature)
	if err != nil {
		c.metrics.compaction("failed")
		return res, fmt.Errorf("send summary prompt: %w", err)
	}
	c.metrics.modelTokens(reply.TotalTokens)

	for _, d := range c.grammar.ParseCompaction(reply.Content) {
		switch d.Kind {
		case Summary:
			if err := c.store.UpsertSummary(ctx, channel, d.Text); err != nil {
				log.Printf("[compact] update summary for %s: %v", channel, err)
				continue
			}
			res.SummaryUpdated = true
		case ProfileDelta:
			if err := c.store.UpsertProfile(ctx, d.Name, d.Text); err != nil {
				log.Printf("[compact] update profile %s: %v", d.Name, err)
				continue
			}
			res.Profiles++
		}
	}
	if !res.SummaryUpdated {
		log.Printf("[compact] no summary in reply for %s", channel)
	}
	c.metrics.compaction("compacted")
	log.Printf("[compact] channel %s: %d messages, summary=%t, %d profiles", channel, count, res.SummaryUpdated, res.Profiles)
	return res, nil
}
