// Package dispatch implements the fan-out dispatcher (spec §4.4): it
// pins each incoming batch to one of N parser shards, either round
// robin or sticky by flight hash, applying backpressure upstream
// rather than ever dropping a batch.
package dispatch

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/titanlog/titan/internal/batch"
)

// Strategy selects which shard a batch is pinned to.
type Strategy int

const (
	// RoundRobin is the default: a monotonically advancing index
	// mod N, updated on every dispatch.
	RoundRobin Strategy = iota
	// Sticky pins all batches for the same flight to hash(flight) mod N,
	// preserving per-flight order end-to-end (spec §5) and enabling
	// incremental per-flight shard state.
	Sticky
)

// HighWatermark is the default mailbox depth at or beyond which a
// dispatch is counted in titan_dispatch_backpressure_total.
const HighWatermark = 1024

// Shard is the narrow capability a parser shard exposes to the
// dispatcher: accept a batch (blocking under backpressure) and report
// current depth for metrics.
type Shard interface {
	Send(ctx context.Context, b batch.Enriched) error
	Depth() int
}

// Dispatcher round-robins or sticky-hashes batches across a fixed set
// of parser shards.
type Dispatcher struct {
	shards     []Shard
	strategy   Strategy
	next       uint64 // round-robin cursor, advanced with atomic.Add
	watermark  int
	metrics    *metrics
}

type metrics struct {
	queueDepth    *prometheus.GaugeVec
	backpressure  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "titan_dispatch_queue_depth",
			Help: "Mailbox depth observed by the dispatcher at dispatch time, per shard.",
		}, []string{"shard"}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_dispatch_backpressure_total",
			Help: "Number of dispatches to a shard whose mailbox was at or beyond the high-watermark.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.backpressure)
	}
	return m
}

// New constructs a Dispatcher over shards using strategy. watermark<=0
// uses HighWatermark.
func New(shards []Shard, strategy Strategy, watermark int, reg prometheus.Registerer) *Dispatcher {
	if watermark <= 0 {
		watermark = HighWatermark
	}
	return &Dispatcher{shards: shards, strategy: strategy, watermark: watermark, metrics: newMetrics(reg)}
}

// Dispatch pins b to a shard per the configured strategy and sends it.
// It blocks only while shard.Send blocks (for a parser shard: while its
// fixed-size inbox is full), and never drops a batch. Reaching the
// high-watermark does not block by itself; it only increments the
// backpressure counter.
func (d *Dispatcher) Dispatch(ctx context.Context, b batch.Enriched) error {
	idx := d.pick(b.Metadata.Flight)
	shard := d.shards[idx]

	if shard.Depth() >= d.watermark {
		d.metrics.backpressure.Inc()
	}
	d.metrics.queueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(shard.Depth()))

	return shard.Send(ctx, b)
}

func (d *Dispatcher) pick(flight string) int {
	n := len(d.shards)
	switch d.strategy {
	case Sticky:
		return int(xxhash.Sum64String(flight) % uint64(n))
	default: // RoundRobin
		i := atomic.AddUint64(&d.next, 1) - 1
		return int(i % uint64(n))
	}
}
