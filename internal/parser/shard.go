package parser

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/titanlog/titan/internal/batch"
)

// mailboxSize bounds each shard's inbox; the dispatcher applies
// backpressure once this fills (spec §4.4).
const mailboxSize = 1024

// message is the single sum type flowing through a Shard's one inbox
// channel. Using one channel for both control and data messages
// preserves spec §5's "message ordering per actor is a hard contract"
// — a select{} over two separate channels would not guarantee that a
// rule update enqueued before a batch is applied before that batch.
type message struct {
	update *updatePayload
	batch  *batch.Enriched
}

type updatePayload struct {
	flight string
	rules  []CompiledRule
	done   chan error
}

// Shard is a parser actor (spec §4.3): a single goroutine owning
// per-flight compiled rule sets, applying them column-wise to each
// incoming batch, and forwarding the result to the WAL writer.
type Shard struct {
	id      int
	mem     memory.Allocator
	inbox   chan message
	out     chan<- batch.Enriched
	logger  log.Logger
	metrics *shardMetrics

	patterns map[string][]CompiledRule
}

type shardMetrics struct {
	ruleErrors *prometheus.CounterVec
	batches    *prometheus.CounterVec
}

func newShardMetrics(reg prometheus.Registerer) *shardMetrics {
	m := &shardMetrics{
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_parser_rule_errors_total",
			Help: "Per-rule parse failures; the batch is still forwarded.",
		}, []string{"flight", "field"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_parser_batches_total",
			Help: "Batches processed by a parser shard.",
		}, []string{"flight"}),
	}
	if reg != nil {
		reg.MustRegister(m.ruleErrors, m.batches)
	}
	return m
}

// NewShard constructs shard id, forwarding enriched batches to out.
func NewShard(id int, mem memory.Allocator, out chan<- batch.Enriched, logger log.Logger, reg prometheus.Registerer) *Shard {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Shard{
		id:       id,
		mem:      mem,
		inbox:    make(chan message, mailboxSize),
		out:      out,
		logger:   log.With(logger, "component", "parser_shard", "shard", id),
		metrics:  newShardMetrics(reg),
		patterns: make(map[string][]CompiledRule),
	}
}

// Send delivers a batch to this shard's mailbox, blocking while all
// mailboxSize slots are full (spec §4.4 backpressure).
func (s *Shard) Send(ctx context.Context, b batch.Enriched) error {
	select {
	case s.inbox <- message{batch: &b}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth reports the current mailbox occupancy, for dispatcher metrics.
func (s *Shard) Depth() int { return len(s.inbox) }

// UpdatePatterns compiles rules and enqueues the replacement
// atomically; it blocks until the shard's single goroutine has applied
// it, so the caller knows the next Send'd batch will observe it (spec
// §4.3: "the next batch observed for that flight sees the new rules").
func (s *Shard) UpdatePatterns(flight string, rules []Rule) error {
	compiled, err := CompileRules(rules)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	s.inbox <- message{update: &updatePayload{flight: flight, rules: compiled, done: done}}
	return <-done
}

// Run drains the shard's mailbox until ctx is cancelled, then drains
// whatever is still queued before returning: a batch or pattern update
// already accepted into inbox must still be applied and forwarded, not
// dropped, once the caller has stopped accepting new ones (spec §4.9
// "drains C4 and C3 mailboxes"). It is meant to be started once per
// shard on its own goroutine by the supervisor.
func (s *Shard) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case msg := <-s.inbox:
			s.handle(msg)
		}
	}
}

// drain applies every message already sitting in inbox. It never races
// a cancelled context against the channel: by the time Run calls it,
// the supervisor has already stopped accepting new inbound work, so
// inbox only shrinks and a non-blocking receive loop is sufficient.
func (s *Shard) drain() {
	for {
		select {
		case msg := <-s.inbox:
			s.handle(msg)
		default:
			return
		}
	}
}

func (s *Shard) handle(msg message) {
	switch {
	case msg.update != nil:
		s.patterns[msg.update.flight] = msg.update.rules
		if msg.update.done != nil {
			msg.update.done <- nil
		}
	case msg.batch != nil:
		s.handleBatch(*msg.batch)
	}
}

func (s *Shard) handleBatch(b batch.Enriched) {
	s.metrics.batches.WithLabelValues(b.Metadata.Flight).Inc()

	rules, ok := s.patterns[b.Metadata.Flight]
	if !ok || len(rules) == 0 {
		s.forward(b)
		return
	}

	rec, errs := Apply(s.mem, b.Record, b.Metadata.Flight, rules)
	b.Record.Release() // Apply always returns a distinct retained record, even the "no-op" case
	for _, e := range errs {
		s.metrics.ruleErrors.WithLabelValues(e.Flight, e.Field).Inc()
		level.Warn(s.logger).Log("msg", "rule application failed", "flight", e.Flight, "field", e.Field, "err", e.Err)
	}
	s.forward(batch.Enriched{Metadata: b.Metadata, Record: rec})
}

// forward always blocks until delivered: out is drained by the writer
// loop for as long as any shard can still be sending to it (the
// supervisor closes out only after every shard has returned), so a
// ctx-racing select here would reintroduce the same drop it's meant to
// prevent.
func (s *Shard) forward(b batch.Enriched) {
	s.out <- b
}

// Apply applies compiled rules in order to rec's columns, producing a
// new record (rec is immutable, spec §3) with derived columns appended.
// A rule whose target field is missing or not string-typed records a
// batch.RuleError and is skipped; it never fails the batch (spec §7).
func Apply(mem memory.Allocator, rec arrow.Record, flight string, rules []CompiledRule) (arrow.Record, []batch.RuleError) {
	if len(rules) == 0 {
		rec.Retain()
		return rec, nil
	}

	schema := rec.Schema()
	cols := append([]arrow.Array(nil), rec.Columns()...)
	fields := append([]arrow.Field(nil), schema.Fields()...)
	used := make(map[string]int, len(fields))
	for _, f := range fields {
		used[f.Name]++
	}

	var ruleErrs []batch.RuleError
	for _, rule := range rules {
		idx := schema.FieldIndices(rule.Field)
		if len(idx) == 0 {
			ruleErrs = append(ruleErrs, batch.RuleError{Flight: flight, Field: rule.Field, Err: errors.New("field not found")})
			continue
		}
		strArr, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			ruleErrs = append(ruleErrs, batch.RuleError{Flight: flight, Field: rule.Field, Err: errors.New("field is not string-typed")})
			continue
		}

		isMask := rule.OverrideField == ""
		baseName := rule.OverrideField
		if isMask {
			baseName = rule.Field + "_matched"
		}
		name := disambiguate(used, baseName)

		if isMask {
			arr := buildMask(mem, strArr, rule)
			cols = append(cols, arr)
			fields = append(fields, arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Boolean, Nullable: true})
		} else {
			arr := buildCapture(mem, strArr, rule)
			cols = append(cols, arr)
			fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true})
		}
	}

	newSchema := arrow.NewSchema(fields, nil)
	out := array.NewRecord(newSchema, cols, rec.NumRows())
	return out, ruleErrs
}

func buildMask(mem memory.Allocator, col *array.String, rule CompiledRule) arrow.Array {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			b.AppendNull() // null propagation, spec §4.3
			continue
		}
		b.Append(rule.Regex.MatchString(col.Value(i)))
	}
	return b.NewBooleanArray()
}

func buildCapture(mem memory.Allocator, col *array.String, rule CompiledRule) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			b.AppendNull()
			continue
		}
		m := rule.Regex.FindStringSubmatch(col.Value(i))
		if len(m) < 2 {
			b.AppendNull()
			continue
		}
		b.Append(m[1])
	}
	return b.NewStringArray()
}

// disambiguate returns name, or name_2/name_3/... the first time it
// collides with an already-used column name (spec §4.3).
func disambiguate(used map[string]int, name string) string {
	if used[name] == 0 {
		used[name] = 1
		return name
	}
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s_%d", name, n)
		if used[cand] == 0 {
			used[cand] = 1
			used[name]++
			return cand
		}
	}
}
