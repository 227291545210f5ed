// Package batch defines the metadata envelope and enriched-batch type
// shared by the receiver (C5), dispatcher (C4), parser shards (C3),
// and WAL writer (C2), per spec §3. Batches themselves are
// github.com/apache/arrow-go/v18/arrow.Record values: the wire format
// this system speaks already specifies that columnar layout, so the
// pipeline carries it end to end instead of re-wrapping it in a
// second, pipeline-private batch type.
package batch

import (
	"encoding/json"
	"hash/fnv"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// SerializationTag identifies the payload codec used for a block's
// data region. Only Arrow is defined today (spec §3).
type SerializationTag uint8

const (
	SerializationArrow SerializationTag = 1
)

// Flag bits for Metadata.Flags.
const (
	FlagHasDictionary uint32 = 1 << 0
)

// Metadata is the per-batch header described in spec §3: a
// length-prefixed, self-describing envelope so a WAL segment can be
// replayed without an external index.
type Metadata struct {
	Flight          string           `json:"flight"`
	ServiceID       string           `json:"service_id"`
	BufferID        uint64           `json:"buffer_id"`
	SchemaID        uint64           `json:"schema_id"`
	PartitionFields []string         `json:"partition_fields"`
	TimestampMicros int64            `json:"timestamp_micros"`
	Serialization   SerializationTag `json:"serialization"`
	Flags           uint32           `json:"flags"`
	Reserved        uint16           `json:"reserved"`
}

// NewMetadata stamps a Metadata envelope with the current wall clock,
// per spec §3 ("wall-clock microsecond UTC timestamp").
func NewMetadata(flight string, bufferID uint64, schema *arrow.Schema, hasDictionary bool) Metadata {
	var flags uint32
	if hasDictionary {
		flags |= FlagHasDictionary
	}
	return Metadata{
		Flight:        flight,
		ServiceID:     flight,
		BufferID:      bufferID,
		SchemaID:      SchemaID(schema),
		TimestampMicros: time.Now().UnixMicro(),
		Serialization: SerializationArrow,
		Flags:         flags,
	}
}

// HasDictionary reports whether bit 0 of Flags is set.
func (m Metadata) HasDictionary() bool { return m.Flags&FlagHasDictionary != 0 }

// Encode serializes the envelope for storage in a WAL block. JSON is
// used rather than a bespoke binary layout: the envelope is small,
// read rarely (only on replay/inspection), and self-describing JSON
// keeps the block format forward-compatible with envelope fields added
// later without bumping the WAL block header itself.
func (m Metadata) Encode() ([]byte, error) { return json.Marshal(m) }

// DecodeMetadata parses an envelope previously produced by Encode.
func DecodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal(b, &m)
	return m, err
}

// SchemaID computes the stable hash of a schema used as spec §3's
// "schema identifier (stable hash of the schema)". It hashes the
// field names, types, and nullability in order, which is exactly the
// information spec §3 defines a schema to carry.
func SchemaID(schema *arrow.Schema) uint64 {
	if schema == nil {
		return 0
	}
	h := fnv.New64a()
	for _, f := range schema.Fields() {
		io.WriteString(h, f.Name)
		io.WriteString(h, f.Type.Name())
		if f.Nullable {
			io.WriteString(h, "null")
		}
	}
	return h.Sum64()
}

// Enriched pairs a decoded/parsed Arrow record with its envelope as it
// flows C5 → C4 → C3 → C2. Batches are immutable once received (spec
// §3's lifecycle note); parser shards that enrich a batch with derived
// columns produce a new Enriched value rather than mutating this one.
type Enriched struct {
	Metadata Metadata
	Record   arrow.Record
}

// RuleError is a non-fatal per-rule parse failure. Parser shards log
// each one and count it in titan_parser_rule_errors_total; it is not
// recorded in the batch's Metadata, and it never fails the batch.
type RuleError struct {
	Flight string
	Field  string
	Err    error
}

func (e RuleError) Error() string {
	return "rule error on " + e.Flight + "." + e.Field + ": " + e.Err.Error()
}
