package parser

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/titanlog/titan/internal/batch"
)

func buildOrdersRecord(t *testing.T) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int32},
		{Name: "msg", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	idB := array.NewInt32Builder(mem)
	defer idB.Release()
	idB.AppendValues([]int32{1, 2}, nil)

	msgB := array.NewStringBuilder(mem)
	defer msgB.Release()
	msgB.Append("ok")
	msgB.Append("err: disk full")

	cols := []arrow.Array{idB.NewInt32Array(), msgB.NewStringArray()}
	return array.NewRecord(schema, cols, 2)
}

func TestCompileRulesRejectsAtomically(t *testing.T) {
	_, err := CompileRules([]Rule{
		{Kind: KindRegex, Field: "msg", Pattern: "^err"},
		{Kind: KindRegex, Field: "msg", Pattern: "("}, // invalid
	})
	require.Error(t, err)
}

func TestCompileRulesRejectsGrok(t *testing.T) {
	_, err := CompileRules([]Rule{{Kind: KindGrok, Field: "msg", Pattern: "%{WORD}"}})
	require.ErrorIs(t, err, ErrGrokUnsupported)
}

func TestApplyMaskColumn(t *testing.T) {
	rec := buildOrdersRecord(t)
	defer rec.Release()

	rules, err := CompileRules([]Rule{{Kind: KindRegex, Field: "msg", Pattern: "^err"}})
	require.NoError(t, err)

	out, errs := Apply(memory.DefaultAllocator, rec, "flights.orders", rules)
	defer out.Release()
	require.Empty(t, errs)

	idx := out.Schema().FieldIndices("msg_matched")
	require.Len(t, idx, 1)
	mask := out.Column(idx[0]).(*array.Boolean)
	require.False(t, mask.Value(0))
	require.True(t, mask.Value(1))
}

func TestApplyOverrideFieldExtractsCaptureGroup(t *testing.T) {
	rec := buildOrdersRecord(t)
	defer rec.Release()

	rules, err := CompileRules([]Rule{{Kind: KindRegex, Field: "msg", Pattern: `^err: (.+)`, OverrideField: "is_err"}})
	require.NoError(t, err)

	out, errs := Apply(memory.DefaultAllocator, rec, "flights.orders", rules)
	defer out.Release()
	require.Empty(t, errs)

	idx := out.Schema().FieldIndices("is_err")
	require.Len(t, idx, 1)
	col := out.Column(idx[0]).(*array.String)
	require.True(t, col.IsNull(0))
	require.Equal(t, "disk full", col.Value(1))
}

func TestApplyMissingFieldRecordsRuleError(t *testing.T) {
	rec := buildOrdersRecord(t)
	defer rec.Release()

	rules, err := CompileRules([]Rule{{Kind: KindRegex, Field: "nope", Pattern: ".*"}})
	require.NoError(t, err)

	out, errs := Apply(memory.DefaultAllocator, rec, "flights.orders", rules)
	defer out.Release()
	require.Len(t, errs, 1)
	require.Equal(t, "nope", errs[0].Field)
	// Batch is forwarded unchanged, not failed.
	require.EqualValues(t, rec.NumCols(), out.NumCols())
}

func TestApplyDisambiguatesDuplicateDerivedNames(t *testing.T) {
	rec := buildOrdersRecord(t)
	defer rec.Release()

	rules, err := CompileRules([]Rule{
		{Kind: KindRegex, Field: "msg", Pattern: "^err"},
		{Kind: KindRegex, Field: "msg", Pattern: "ok"},
	})
	require.NoError(t, err)
	// Force both rules to derive the same capture column name by using OverrideField.
	rules[0].OverrideField = "flag"
	rules[1].OverrideField = "flag"

	out, _ := Apply(memory.DefaultAllocator, rec, "flights.orders", rules)
	defer out.Release()
	require.Len(t, out.Schema().FieldIndices("flag"), 1)
	require.Len(t, out.Schema().FieldIndices("flag_2"), 1)
}

func TestShardForwardsUnchangedWhenNoRulesRegistered(t *testing.T) {
	out := make(chan batch.Enriched, 1)
	s := NewShard(0, nil, out, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	rec := buildOrdersRecord(t)
	defer rec.Release()
	meta := batch.NewMetadata("flights.orders", 1, rec.Schema(), false)

	rec.Retain() // the shard consumes its own reference; this test keeps its own for the deferred Release
	require.NoError(t, s.Send(ctx, batch.Enriched{Metadata: meta, Record: rec}))

	select {
	case got := <-out:
		require.Equal(t, meta.Flight, got.Metadata.Flight)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded batch")
	}
}

func TestShardAppliesNewlyRegisteredRulesToNextBatch(t *testing.T) {
	out := make(chan batch.Enriched, 1)
	s := NewShard(0, nil, out, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.UpdatePatterns("flights.orders", []Rule{{Kind: KindRegex, Field: "msg", Pattern: "^err"}}))

	rec := buildOrdersRecord(t)
	defer rec.Release()
	meta := batch.NewMetadata("flights.orders", 1, rec.Schema(), false)
	rec.Retain() // the shard consumes its own reference; this test keeps its own for the deferred Release
	require.NoError(t, s.Send(ctx, batch.Enriched{Metadata: meta, Record: rec}))

	select {
	case got := <-out:
		idx := got.Record.Schema().FieldIndices("msg_matched")
		require.Len(t, idx, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for enriched batch")
	}
}
