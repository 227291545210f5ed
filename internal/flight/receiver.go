// Package flight implements the Arrow Flight DoPut receiver (C5): the
// producer-facing half of the wire protocol in spec §6, driving the
// AwaitDescriptor -> AwaitSchema -> Row* -> End state machine over a
// gRPC stream and handing decoded batches to the dispatcher (C4).
//
// This is the system's one out-of-pack dependency: no example repo
// speaks Arrow Flight, so the wire decode below rides directly on
// github.com/apache/arrow-go/v18/arrow/flight and google.golang.org/grpc
// rather than anything grounded in the teacher (see DESIGN.md).
package flight

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/titanlog/titan/internal/batch"
	"github.com/titanlog/titan/internal/ierrors"
	"github.com/titanlog/titan/internal/registry"
)

// defaultTenant is used when the wire protocol carries no tenant
// segment in the descriptor path (spec §4.5 end-to-end scenario 1).
const defaultTenant = "default"

// SchemaSink is the external schema-repository boundary from spec
// §4.5 step (ii). It is out of scope for this system; supervisors that
// don't configure one use noopSchemaSink.
type SchemaSink interface {
	PersistSchema(ctx context.Context, tenant, flight string, schema *arrow.Schema) error
}

type noopSchemaSink struct{}

func (noopSchemaSink) PersistSchema(context.Context, string, string, *arrow.Schema) error { return nil }

// Dispatcher is the narrow capability the receiver needs from C4.
type Dispatcher interface {
	Dispatch(ctx context.Context, b batch.Enriched) error
}

type receiverMetrics struct {
	batchesReceived *prometheus.CounterVec
	protocolErrors  prometheus.Counter
}

func newReceiverMetrics(reg prometheus.Registerer) *receiverMetrics {
	m := &receiverMetrics{
		batchesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "titan_flight_batches_received_total",
			Help: "Record batches decoded off a DoPut stream, per flight.",
		}, []string{"flight"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_flight_protocol_errors_total",
			Help: "DoPut streams rejected for violating the descriptor/schema/row state machine.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batchesReceived, m.protocolErrors)
	}
	return m
}

// Receiver implements the DoPut half of the Arrow Flight service.
type Receiver struct {
	flights    *registry.FlightRegistry
	dispatcher Dispatcher
	sink       SchemaSink
	mem        memory.Allocator
	logger     log.Logger
	metrics    *receiverMetrics
	bufferSeq  atomic.Uint64
}

// NewReceiver constructs a Receiver. sink may be nil, in which case
// schema persistence to the external repository is a no-op.
func NewReceiver(flights *registry.FlightRegistry, dispatcher Dispatcher, sink SchemaSink, logger log.Logger, reg prometheus.Registerer) *Receiver {
	if sink == nil {
		sink = noopSchemaSink{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Receiver{
		flights:    flights,
		dispatcher: dispatcher,
		sink:       sink,
		mem:        memory.DefaultAllocator,
		logger:     logger,
		metrics:    newReceiverMetrics(reg),
	}
}

// DoPut drives one producer connection through AwaitDescriptor ->
// AwaitSchema -> (Row)* -> End, per spec §4.5.
func (r *Receiver) DoPut(stream arrowflight.FlightService_DoPutServer) error {
	ctx := stream.Context()
	streamID := uuid.NewString()
	logger := log.With(r.logger, "stream_id", streamID)

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.FlightDescriptor == nil || len(first.FlightDescriptor.Path) == 0 {
		r.metrics.protocolErrors.Inc()
		return status.Error(codes.FailedPrecondition, "first frame must carry a non-empty descriptor path")
	}
	if len(first.DataHeader) != 0 || len(first.DataBody) != 0 {
		r.metrics.protocolErrors.Inc()
		return status.Error(codes.FailedPrecondition, "descriptor frame must not carry schema or batch data")
	}
	flightName := first.FlightDescriptor.Path[0]
	tenant := defaultTenant

	reader, err := arrowflight.NewRecordReader(stream, ipc.WithAllocator(r.mem))
	if err != nil {
		r.metrics.protocolErrors.Inc()
		return status.Errorf(codes.FailedPrecondition, "data received before schema: %v", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	if err := r.registerSchema(ctx, tenant, flightName, schema); err != nil {
		return err
	}
	hasDict := hasDictionaryFields(schema)

	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		bufferID := r.bufferSeq.Add(1)
		meta := batch.NewMetadata(flightName, bufferID, schema, hasDict)
		if err := r.dispatcher.Dispatch(ctx, batch.Enriched{Metadata: meta, Record: rec}); err != nil {
			rec.Release()
			return status.Errorf(codes.Internal, "dispatch failed: %v", err)
		}
		r.metrics.batchesReceived.WithLabelValues(flightName).Inc()
		level.Debug(logger).Log("msg", "batch received", "flight", flightName, "buffer_id", bufferID)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		r.metrics.protocolErrors.Inc()
		return status.Errorf(codes.Internal, "stream error: %v", err)
	}

	return stream.SendAndClose(&arrowflight.PutResult{})
}

// registerSchema persists the producer's schema via C6 and the
// external sink, translating a conflicting re-registration into a
// gRPC status the producer can see (spec §4.5 step (i)).
func (r *Receiver) registerSchema(ctx context.Context, tenant, flightName string, schema *arrow.Schema) error {
	fields := fieldsFromSchema(schema)
	if err := r.flights.RegisterFlight(ctx, tenant, flightName, fields, time.Now().UnixMicro()); err != nil {
		if errors.Is(err, ierrors.Conflict) {
			r.metrics.protocolErrors.Inc()
			return status.Errorf(codes.FailedPrecondition, "schema mismatch on re-register: %v", err)
		}
		return status.Errorf(codes.Internal, "registering flight schema: %v", err)
	}
	if err := r.sink.PersistSchema(ctx, tenant, flightName, schema); err != nil {
		level.Warn(r.logger).Log("msg", "external schema sink failed", "flight", flightName, "err", err)
	}
	return nil
}

func fieldsFromSchema(schema *arrow.Schema) []registry.Field {
	fields := make([]registry.Field, schema.NumFields())
	for i, f := range schema.Fields() {
		fields[i] = registry.Field{Name: f.Name, DataType: f.Type.Name(), Nullable: f.Nullable}
	}
	return fields
}

func hasDictionaryFields(schema *arrow.Schema) bool {
	for _, f := range schema.Fields() {
		if f.Type.ID() == arrow.DICTIONARY {
			return true
		}
	}
	return false
}
