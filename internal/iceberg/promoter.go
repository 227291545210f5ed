// Package iceberg defines the C8 boundary: the pipeline's contract
// with whatever external process promotes sealed WAL segments into
// table storage. The actual table write is out of scope (spec §4.8);
// only the handoff contract lives here.
package iceberg

import "context"

// FlushInstruction names a sealed WAL segment ready for promotion.
type FlushInstruction struct {
	SegmentPath string
}

// Promoter accepts sealed segments for promotion into table storage.
// After Promote returns nil, the pipeline considers the segment fully
// owned by the promoter and never writes to it again (spec §4.8).
type Promoter interface {
	Promote(ctx context.Context, instr FlushInstruction) error
}
