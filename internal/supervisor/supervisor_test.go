package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/titanlog/titan/internal/batch"
	"github.com/titanlog/titan/internal/config"
	"github.com/titanlog/titan/internal/parser"
)

func buildRecord(t *testing.T) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int32}}, nil)
	b := array.NewInt32Builder(mem)
	defer b.Release()
	b.AppendValues([]int32{1, 2, 3}, nil)
	return array.NewRecord(schema, []arrow.Array{b.NewInt32Array()}, 3)
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.WAL.Dir = t.TempDir()
	cfg.WAL.SegmentCap = 64 * 1024
	cfg.Dispatch.Shards = 2
	cfg.Flight.Port = 0
	cfg.Database.DSN = t.TempDir() + "/titan.db"

	s, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestSupervisorDispatchesAndPersistsThroughWAL(t *testing.T) {
	s := newTestSupervisor(t)

	rec := buildRecord(t)
	meta := batch.NewMetadata("flights.orders", 1, rec.Schema(), false)
	require.NoError(t, s.Dispatch(context.Background(), batch.Enriched{Metadata: meta, Record: rec}))

	require.Eventually(t, func() bool {
		return s.writer.Current() > 0
	}, 2*time.Second, 10*time.Millisecond, "batch should have been appended to the active WAL segment")
}

func TestSupervisorFlightsAndPatternsAreUsable(t *testing.T) {
	s := newTestSupervisor(t)

	require.NoError(t, s.Flights().RegisterFlight(context.Background(), "default", "flights.orders",
		nil, 1))
	ok, err := s.Flights().CheckFlight(context.Background(), "default", "flights.orders")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSupervisorUpdatePatternsPersistsAcrossRestart(t *testing.T) {
	s := newTestSupervisor(t)
	rules := []parser.Rule{{Kind: parser.KindRegex, Field: "msg", Pattern: "^err"}}

	require.NoError(t, s.UpdatePatterns(context.Background(), "default", "flights.orders", rules))

	rec, ok, err := s.schemas.GetPatterns(context.Background(), "default", "flights.orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rules, rec.Rules)
}

func TestSupervisorShutdownSealsSegment(t *testing.T) {
	cfg := config.Default()
	cfg.WAL.Dir = t.TempDir()
	cfg.Dispatch.Shards = 1
	cfg.Database.DSN = t.TempDir() + "/titan.db"

	s, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
