package relay

import (
	"context"
	"sync"
	"time"
)

// Debouncer decides whether a just-arrived message is still the latest one on
// its channel once the quiet window has passed.
//
// Every call bumps the channel's sequence number and parks a waiter. A newer
// arrival cancels the parked waiter, so within one burst at most one call
// returns true: the one whose window elapsed with its sequence still current.
type Debouncer struct {
	window time.Duration
	shards [shardCount]debounceShard
}

type debounceShard struct {
	mu      sync.Mutex
	entries map[string]*debounceEntry
}

type debounceEntry struct {
	seq     uint64
	pending chan struct{}
}

func NewDebouncer(window time.Duration) *Debouncer {
	d := &Debouncer{window: window}
	for i := range d.shards {
		d.shards[i].entries = make(map[string]*debounceEntry)
	}
	return d
}

// ShouldRespond blocks for the quiet window and reports whether no newer
// message arrived on channel meanwhile. It returns false early when superseded
// or when ctx is done.
func (d *Debouncer) ShouldRespond(ctx context.Context, channel string) bool {
	sh := &d.shards[shardIndex(channel)]

	sh.mu.Lock()
	e, ok := sh.entries[channel]
	if !ok {
		e = &debounceEntry{}
		sh.entries[channel] = e
	}
	if e.pending != nil {
		close(e.pending)
	}
	e.seq++
	mine := e.seq
	superseded := make(chan struct{})
	e.pending = superseded
	sh.mu.Unlock()

	timer := time.NewTimer(d.window)
	defer timer.Stop()

	select {
	case <-superseded:
		return false
	case <-ctx.Done():
		sh.mu.Lock()
		if e.seq == mine {
			delete(sh.entries, channel)
		}
		sh.mu.Unlock()
		return false
	case <-timer.C:
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e.seq != mine {
		return false
	}
	// burst settled; the next message starts a fresh entry
	delete(sh.entries, channel)
	return true
}

func (d *Debouncer) tracked() int {
	n := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		n += len(d.shards[i].entries)
		d.shards[i].mu.Unlock()
	}
	return n
}

// Seq returns the sequence number of the channel's pending burst, zero when
// no burst is pending.
func (d *Debouncer) Seq(channel string) uint64 {
	sh := &d.shards[shardIndex(channel)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[channel]; ok {
		return e.seq
	}
	return 0
}
