package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/titanlog/titan/internal/parser"
	"github.com/titanlog/titan/internal/registry"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schemas (
	tenant      TEXT NOT NULL,
	flight      TEXT NOT NULL,
	fields_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (tenant, flight)
);
CREATE TABLE IF NOT EXISTS patterns (
	tenant     TEXT NOT NULL,
	flight     TEXT NOT NULL,
	rules_json TEXT NOT NULL,
	PRIMARY KEY (tenant, flight)
);
`

// SQLiteStore is the default SchemaStore/PatternStore backed by
// modernc.org/sqlite, the pack's pure-Go sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at dsn and
// migrates it to the current schema.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating sqlite schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutSchema(ctx context.Context, rec SchemaRecord) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return errors.Wrap(err, "marshaling schema fields")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (tenant, flight, fields_json, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant, flight) DO UPDATE SET fields_json = excluded.fields_json, created_at = excluded.created_at
	`, rec.Tenant, rec.Flight, string(fieldsJSON), rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "persisting schema record")
	}
	return nil
}

func (s *SQLiteStore) GetSchema(ctx context.Context, tenant, flight string) (SchemaRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT fields_json, created_at FROM schemas WHERE tenant = ? AND flight = ?`, tenant, flight)

	var fieldsJSON string
	var createdAt int64
	switch err := row.Scan(&fieldsJSON, &createdAt); {
	case errors.Is(err, sql.ErrNoRows):
		return SchemaRecord{}, false, nil
	case err != nil:
		return SchemaRecord{}, false, errors.Wrap(err, "reading schema record")
	}

	var fields []registry.Field
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return SchemaRecord{}, false, errors.Wrap(err, "decoding schema fields")
	}
	return SchemaRecord{Tenant: tenant, Flight: flight, Fields: fields, CreatedAt: createdAt}, true, nil
}

func (s *SQLiteStore) ListSchemas(ctx context.Context, tenant string) ([]SchemaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT flight, fields_json, created_at FROM schemas WHERE tenant = ?`, tenant)
	if err != nil {
		return nil, errors.Wrap(err, "listing schema records")
	}
	defer rows.Close()

	var out []SchemaRecord
	for rows.Next() {
		var flight, fieldsJSON string
		var createdAt int64
		if err := rows.Scan(&flight, &fieldsJSON, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scanning schema record")
		}
		var fields []registry.Field
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return nil, errors.Wrap(err, "decoding schema fields")
		}
		out = append(out, SchemaRecord{Tenant: tenant, Flight: flight, Fields: fields, CreatedAt: createdAt})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutPatterns(ctx context.Context, rec PatternRecord) error {
	rulesJSON, err := json.Marshal(rec.Rules)
	if err != nil {
		return errors.Wrap(err, "marshaling rules")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (tenant, flight, rules_json) VALUES (?, ?, ?)
		ON CONFLICT (tenant, flight) DO UPDATE SET rules_json = excluded.rules_json
	`, rec.Tenant, rec.Flight, string(rulesJSON))
	if err != nil {
		return errors.Wrap(err, "persisting pattern record")
	}
	return nil
}

func (s *SQLiteStore) GetPatterns(ctx context.Context, tenant, flight string) (PatternRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT rules_json FROM patterns WHERE tenant = ? AND flight = ?`, tenant, flight)

	var rulesJSON string
	switch err := row.Scan(&rulesJSON); {
	case errors.Is(err, sql.ErrNoRows):
		return PatternRecord{}, false, nil
	case err != nil:
		return PatternRecord{}, false, errors.Wrap(err, "reading pattern record")
	}

	var rules []parser.Rule
	if err := json.Unmarshal([]byte(rulesJSON), &rules); err != nil {
		return PatternRecord{}, false, errors.Wrap(err, "decoding rules")
	}
	return PatternRecord{Tenant: tenant, Flight: flight, Rules: rules}, true, nil
}
