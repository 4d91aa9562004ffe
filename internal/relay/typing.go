package relay

import (
	"context"
	"log"
	"sync"
)

// ActivityIndicator is the platform's "assistant is typing" signal.
type ActivityIndicator interface {
	StartActivity(ctx context.Context, channel string) (ActivityHandle, error)
}

type ActivityHandle interface {
	Stop()
}

// TypingAggregator ref-counts concurrent holders of a channel's activity
// indicator. The indicator is started on the first acquire and stopped when
// the last holder releases it.
type TypingAggregator struct {
	indicator ActivityIndicator
	metrics   *Metrics
	shards    [shardCount]typingShard
}

type typingShard struct {
	mu      sync.Mutex
	entries map[string]*typingEntry
}

type typingEntry struct {
	count  int
	handle ActivityHandle
}

func NewTypingAggregator(indicator ActivityIndicator, metrics *Metrics) *TypingAggregator {
	a := &TypingAggregator{indicator: indicator, metrics: metrics}
	for i := range a.shards {
		a.shards[i].entries = make(map[string]*typingEntry)
	}
	return a
}

// Acquire registers one more holder and reports whether it was recorded. If
// starting the indicator fails nothing is recorded and the matching Release is
// a no-op.
func (a *TypingAggregator) Acquire(ctx context.Context, channel string) bool {
	sh := &a.shards[shardIndex(channel)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[channel]; ok {
		e.count++
		return true
	}
	if a.indicator == nil {
		return false
	}
	handle, err := a.indicator.StartActivity(ctx, channel)
	if err != nil {
		log.Printf("[relay] start typing on %s: %v", channel, err)
		return false
	}
	sh.entries[channel] = &typingEntry{count: 1, handle: handle}
	a.metrics.typingStarted()
	return true
}

// Release drops one holder. Releasing a channel with no holders is a no-op.
func (a *TypingAggregator) Release(channel string) {
	sh := &a.shards[shardIndex(channel)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[channel]
	if !ok {
		return
	}
	if e.count > 1 {
		e.count--
		return
	}
	delete(sh.entries, channel)
	if e.handle != nil {
		e.handle.Stop()
	}
	a.metrics.typingStopped()
}

// Hold acquires channel and returns the matching release, which is safe to
// call more than once.
func (a *TypingAggregator) Hold(ctx context.Context, channel string) func() {
	if !a.Acquire(ctx, channel) {
		return func() {}
	}
	var once sync.Once
	return func() { once.Do(func() { a.Release(channel) }) }
}

// Holders reports the current ref-count for channel.
func (a *TypingAggregator) Holders(channel string) int {
	sh := &a.shards[shardIndex(channel)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[channel]; ok {
		return e.count
	}
	return 0
}
