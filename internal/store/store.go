// Package store defines the external, database-backed persistence
// boundary for schemas and patterns (spec §1, §6 "database.*"
// configuration). The ingest pipeline depends only on these
// interfaces; sqlite.go's concrete implementation is wired in by
// default supervisor construction and used directly by tests.
package store

import (
	"context"

	"github.com/titanlog/titan/internal/parser"
	"github.com/titanlog/titan/internal/registry"
)

// SchemaRecord is one persisted (tenant, flight) schema snapshot.
type SchemaRecord struct {
	Tenant    string
	Flight    string
	Fields    []registry.Field
	CreatedAt int64
}

// SchemaStore durably records flight schemas as they're registered,
// independent of the in-memory FlightRegistry (C6), so schema history
// survives a process restart.
type SchemaStore interface {
	PutSchema(ctx context.Context, rec SchemaRecord) error
	GetSchema(ctx context.Context, tenant, flight string) (SchemaRecord, bool, error)
	ListSchemas(ctx context.Context, tenant string) ([]SchemaRecord, error)
}

// PatternRecord is one persisted rule bundle for a flight.
type PatternRecord struct {
	Tenant string
	Flight string
	Rules  []parser.Rule
}

// PatternStore durably records rule bundles accepted by the pattern
// registry (C7), independent of the shards' in-memory copies.
type PatternStore interface {
	PutPatterns(ctx context.Context, rec PatternRecord) error
	GetPatterns(ctx context.Context, tenant, flight string) (PatternRecord, bool, error)
}
