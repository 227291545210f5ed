// Package supervisor implements C9: it builds C1..C8 in dependency
// order from a Config and owns orderly shutdown, mirroring the
// original source's ActorFactory (spec §9 "Actor factory").
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/titanlog/titan/internal/batch"
	"github.com/titanlog/titan/internal/config"
	"github.com/titanlog/titan/internal/dispatch"
	flightrecv "github.com/titanlog/titan/internal/flight"
	"github.com/titanlog/titan/internal/iceberg"
	"github.com/titanlog/titan/internal/parser"
	"github.com/titanlog/titan/internal/registry"
	"github.com/titanlog/titan/internal/store"
	"github.com/titanlog/titan/internal/wal"
)

// Registry is the capability set the supervisor exposes, narrow enough
// that tests can substitute a fake (spec §4.9).
type Registry interface {
	Flights() *registry.FlightRegistry
	Patterns() *registry.PatternRegistry
}

// Supervisor owns every ingest-pipeline component and shuts them down
// in dependency order.
type Supervisor struct {
	cfg    config.Config
	logger log.Logger

	flights  *registry.FlightRegistry
	patterns *registry.PatternRegistry
	shards   []*parser.Shard
	dispatcher *dispatch.Dispatcher
	receiver *flightrecv.Receiver
	server   *flightrecv.Server
	promoter iceberg.Promoter
	schemas  *store.SQLiteStore

	walDir     string
	segmentCap uint64
	syncPolicy wal.SyncPolicy
	metricsReg prometheus.Registerer

	walMu  sync.Mutex
	writer *wal.Writer

	enriched chan batch.Enriched

	shardsWG sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires C1..C8 from cfg in dependency order: WAL writer, parser
// shards, dispatcher, flight registry/pattern registry, then the
// Arrow Flight receiver and gRPC server on top.
func New(cfg config.Config, logger log.Logger, reg prometheus.Registerer, promoter iceberg.Promoter) (*Supervisor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		walDir:     cfg.WAL.Dir,
		segmentCap: cfg.WAL.SegmentCap,
		syncPolicy: cfg.WAL.SyncPolicy.ToWAL(),
		metricsReg: reg,
		promoter:   promoter,
		enriched:   make(chan batch.Enriched, dispatch.HighWatermark),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	writer, err := s.openSegment()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "opening initial WAL segment")
	}
	s.writer = writer

	mem := memory.DefaultAllocator
	shardCount := cfg.Dispatch.Shards
	if shardCount <= 0 {
		shardCount = 1
	}
	shards := make([]*parser.Shard, shardCount)
	dispatchShards := make([]dispatch.Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		sh := parser.NewShard(i, mem, s.enriched, logger, reg)
		shards[i] = sh
		dispatchShards[i] = sh
		s.shardsWG.Add(1)
		go func(sh *parser.Shard) {
			defer s.shardsWG.Done()
			sh.Run(ctx)
		}(sh)
	}
	s.shards = shards

	strategy := dispatch.RoundRobin
	if cfg.Dispatch.Strategy == "sticky" {
		strategy = dispatch.Sticky
	}
	s.dispatcher = dispatch.New(dispatchShards, strategy, dispatch.HighWatermark, reg)

	s.flights = registry.NewFlightRegistry(ctx)
	s.patterns = registry.NewPatternRegistry(ctx, toShardUpdaters(shards))

	var sink flightrecv.SchemaSink
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN != "" {
		schemas, err := store.Open(cfg.Database.DSN)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "opening schema store")
		}
		s.schemas = schemas
		sink = schemaSink{schemas}
	}

	s.receiver = flightrecv.NewReceiver(s.flights, s.dispatcher, sink, logger, reg)
	s.server = flightrecv.NewServer(s.receiver, logger)

	go s.writerLoop()
	if s.syncPolicy.Kind == wal.SyncInterval {
		go s.fsyncLoop(ctx)
	}

	return s, nil
}

// fsyncLoop drives SyncInterval segments (spec §4.2): Append itself
// never blocks on the timer, so a background ticker forces the sync
// instead. Rotation swaps s.writer out from under this loop, so every
// tick takes walMu to read the current writer.
func (s *Supervisor) fsyncLoop(ctx context.Context) {
	interval := s.syncPolicy.Interval
	if interval <= 0 {
		interval = wal.DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.walMu.Lock()
			w := s.writer
			s.walMu.Unlock()
			if err := w.Sync(); err != nil {
				level.Error(s.logger).Log("msg", "interval fsync failed", "err", err)
			}
		}
	}
}

// schemaSink adapts store.SchemaStore to flightrecv.SchemaSink, so a
// registered flight's schema survives a process restart independent of
// C6's in-memory copy (spec §4.5 step (ii)).
type schemaSink struct {
	schemas *store.SQLiteStore
}

func (s schemaSink) PersistSchema(ctx context.Context, tenant, flight string, schema *arrow.Schema) error {
	return s.schemas.PutSchema(ctx, store.SchemaRecord{
		Tenant:    tenant,
		Flight:    flight,
		Fields:    fieldsFromArrowSchema(schema),
		CreatedAt: time.Now().UnixMicro(),
	})
}

func fieldsFromArrowSchema(schema *arrow.Schema) []registry.Field {
	fields := make([]registry.Field, schema.NumFields())
	for i, f := range schema.Fields() {
		fields[i] = registry.Field{Name: f.Name, DataType: f.Type.Name(), Nullable: f.Nullable}
	}
	return fields
}

func toShardUpdaters(shards []*parser.Shard) []registry.ShardUpdater {
	out := make([]registry.ShardUpdater, len(shards))
	for i, sh := range shards {
		out[i] = sh
	}
	return out
}

func (s *Supervisor) openSegment() (*wal.Writer, error) {
	path := fmt.Sprintf("%s/%s", s.walDir, wal.SegmentFilename(time.Now()))
	return wal.Open(path, s.segmentCap, s.syncPolicy, s.logger, s.metricsReg)
}

// writerLoop is C2's consumer: every enriched batch from every parser
// shard lands here, gets serialized, and appended to the live segment,
// rotating to a fresh segment on SegmentFull (spec §7's SegmentFull
// recovery: "recovered locally by sealing and opening a new segment").
// It ranges over s.enriched rather than selecting on a context, so its
// only termination signal is the channel closing — which Shutdown only
// does after every shard has confirmed it is done sending, guaranteeing
// every batch queued before shutdown is still appended.
func (s *Supervisor) writerLoop() {
	defer close(s.done)
	for b := range s.enriched {
		s.appendWithRotation(b)
	}
}

func (s *Supervisor) appendWithRotation(b batch.Enriched) {
	defer b.Record.Release()

	metaBytes, err := b.Metadata.Encode()
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to encode batch metadata", "err", err)
		return
	}
	payload, err := encodeRecordPayload(b.Record)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to encode batch payload", "err", err)
		return
	}

	s.walMu.Lock()
	defer s.walMu.Unlock()

	if _, err := s.writer.Append(metaBytes, payload); err != nil {
		if err == wal.ErrSegmentFull {
			if rotErr := s.rotateLocked(); rotErr != nil {
				level.Error(s.logger).Log("msg", "segment rotation failed", "err", rotErr)
				return
			}
			if _, err := s.writer.Append(metaBytes, payload); err != nil {
				level.Error(s.logger).Log("msg", "append failed after rotation", "err", err)
			}
			return
		}
		level.Error(s.logger).Log("msg", "WAL append failed", "flight", b.Metadata.Flight, "err", err)
	}
}

func (s *Supervisor) rotateLocked() error {
	sealed, err := s.writer.Seal()
	if err != nil {
		return errors.Wrap(err, "sealing full segment")
	}
	if s.promoter != nil {
		if err := s.promoter.Promote(context.Background(), iceberg.FlushInstruction{SegmentPath: sealed.Path}); err != nil {
			level.Warn(s.logger).Log("msg", "promoter rejected sealed segment", "path", sealed.Path, "err", err)
		}
	}
	next, err := s.openSegment()
	if err != nil {
		return errors.Wrap(err, "opening replacement segment")
	}
	s.writer = next
	return nil
}

// Dispatch is the ingest entrypoint the flight receiver ultimately
// drives; exposed here so tests can push batches without a live gRPC
// stream.
func (s *Supervisor) Dispatch(ctx context.Context, b batch.Enriched) error {
	return s.dispatcher.Dispatch(ctx, b)
}

// Flights returns the flight registry handle.
func (s *Supervisor) Flights() *registry.FlightRegistry { return s.flights }

// Patterns returns the pattern registry handle.
func (s *Supervisor) Patterns() *registry.PatternRegistry { return s.patterns }

// UpdatePatterns applies rules to every shard via C7 and, once that
// succeeds, durably records the bundle so it survives a process
// restart independent of C7's in-memory copy. This is the admin-facing
// entrypoint; s.Patterns().UpdatePatterns skips persistence.
func (s *Supervisor) UpdatePatterns(ctx context.Context, tenant, flight string, rules []parser.Rule) error {
	if err := s.patterns.UpdatePatterns(ctx, flight, rules); err != nil {
		return err
	}
	if s.schemas == nil {
		return nil
	}
	if err := s.schemas.PutPatterns(ctx, store.PatternRecord{Tenant: tenant, Flight: flight, Rules: rules}); err != nil {
		level.Warn(s.logger).Log("msg", "pattern store persistence failed", "tenant", tenant, "flight", flight, "err", err)
	}
	return nil
}

// Serve starts the Arrow Flight gRPC listener and blocks until ctx is
// canceled, per spec §4.5/§4.9.
func (s *Supervisor) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Flight.Address, s.cfg.Flight.Port)
	return s.server.Serve(ctx, addr)
}

// Shutdown stops accepting new connections, drains C4/C3 mailboxes, and
// only then seals C2 (spec §4.9). The sequence matters: each step
// establishes the precondition the next one needs to avoid racing a
// cancelled context against a channel that might still have data
// queued on it.
//
//  1. Stop the gRPC server and wait for in-flight RPCs (including any
//     DoPut still forwarding a batch into a shard's inbox) to return,
//     so no further sends can reach any mailbox.
//  2. Cancel ctx; every shard's Run drains whatever it already has
//     queued and returns.
//  3. Wait for every shard goroutine to have returned, then close
//     s.enriched — safe now because no producer remains.
//  4. Wait for the writer loop to drain s.enriched and exit.
//  5. Seal the active segment and close the schema store.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.server.Stop()

	s.cancel()

	shardsDone := make(chan struct{})
	go func() {
		s.shardsWG.Wait()
		close(shardsDone)
	}()
	select {
	case <-shardsDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(s.enriched)

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.walMu.Lock()
	defer s.walMu.Unlock()
	if _, err := s.writer.Seal(); err != nil {
		return errors.Wrap(err, "sealing segment on shutdown")
	}
	if s.schemas != nil {
		if err := s.schemas.Close(); err != nil {
			return errors.Wrap(err, "closing schema store")
		}
	}
	return nil
}

// WriterPoisoned reports whether the active WAL segment writer has
// hit an unrecoverable I/O error and is refusing further appends (spec
// §9's /healthz contract: "WAL writer health (not poisoned)").
func (s *Supervisor) WriterPoisoned() bool {
	s.walMu.Lock()
	defer s.walMu.Unlock()
	return s.writer.Poisoned()
}

// encodeRecordPayload serializes a record as a self-contained Arrow
// IPC stream (schema header, then the single batch), per spec §4.5:
// "standalone blocks recoverable without the surrounding segment
// context."
func encodeRecordPayload(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "writing IPC record batch")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing IPC stream writer")
	}
	return buf.Bytes(), nil
}
