package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRespondIsolated(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	start := time.Now()
	assert.True(t, d.ShouldRespond(context.Background(), "c"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// a later, separate message is isolated too
	assert.True(t, d.ShouldRespond(context.Background(), "c"))
	assert.Equal(t, uint64(0), d.Seq("c"))
}

func TestBurstYieldsOneResponse(t *testing.T) {
	d := NewDebouncer(60 * time.Millisecond)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldRespond(context.Background(), "burst") {
				wins.Add(1)
			}
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 0, d.tracked())
}

func TestSettledChannelsAreForgotten(t *testing.T) {
	d := NewDebouncer(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.ShouldRespond(context.Background(), fmt.Sprintf("chan-%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, d.tracked())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, d.ShouldRespond(ctx, "gone"))
	assert.Equal(t, 0, d.tracked())
}

func TestSupersededReturnsEarly(t *testing.T) {
	d := NewDebouncer(time.Second)

	done := make(chan bool, 1)
	go func() { done <- d.ShouldRespond(context.Background(), "c") }()
	for d.Seq("c") == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.ShouldRespond(ctx, "c")

	select {
	case got := <-done:
		assert.False(t, got)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("superseded caller did not return before its window")
	}
}

func TestChannelsDoNotInterfere(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i, ch := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			results[i] = d.ShouldRespond(context.Background(), ch)
		}(i, ch)
	}
	wg.Wait()
	assert.Equal(t, []bool{true, true, true, true}, results)
}

func TestShouldRespondCancelled(t *testing.T) {
	d := NewDebouncer(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, d.ShouldRespond(ctx, "c"))

	d.window = 5 * time.Millisecond
	assert.True(t, d.ShouldRespond(context.Background(), "c"))
}
