package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/titanlog/titan/internal/batch"
)

type fakeShard struct {
	mu       sync.Mutex
	received []batch.Enriched
}

func (f *fakeShard) Send(_ context.Context, b batch.Enriched) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, b)
	return nil
}

func (f *fakeShard) Depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeShard) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newFakeShards(n int) []Shard {
	shards := make([]Shard, n)
	for i := range shards {
		shards[i] = &fakeShard{}
	}
	return shards
}

func TestRoundRobinDistributesEvenly(t *testing.T) {
	const n, k = 4, 25
	shards := newFakeShards(n)
	d := New(shards, RoundRobin, 0, nil)

	for i := 0; i < n*k; i++ {
		require.NoError(t, d.Dispatch(context.Background(), batch.Enriched{Metadata: batch.Metadata{Flight: "f"}}))
	}
	for _, s := range shards {
		require.Equal(t, k, s.(*fakeShard).count())
	}
}

func TestStickyRoutesSameFlightToSameShard(t *testing.T) {
	const n = 5
	shards := newFakeShards(n)
	d := New(shards, Sticky, 0, nil)

	flights := []string{"flights.orders", "flights.events", "flights.logs"}
	firstShard := map[string]int{}
	for _, fl := range flights {
		idx := d.pick(fl)
		firstShard[fl] = idx
	}
	for i := 0; i < 30; i++ {
		fl := flights[i%len(flights)]
		require.NoError(t, d.Dispatch(context.Background(), batch.Enriched{Metadata: batch.Metadata{Flight: fl}}))
		require.Equal(t, firstShard[fl], d.pick(fl))
	}
}

func TestDispatchPastWatermarkNeverDrops(t *testing.T) {
	shards := newFakeShards(1)
	d := New(shards, RoundRobin, 2, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch(context.Background(), batch.Enriched{Metadata: batch.Metadata{Flight: "f"}}))
	}
	require.Equal(t, 10, shards[0].(*fakeShard).count(), "dispatcher must never drop a batch")
}
