package wal

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// DefaultSegmentCap is the default maximum segment size, per spec §3.
const DefaultSegmentCap = 256 * 1024 * 1024

// DefaultSyncInterval is used when SyncPolicy.Kind is SyncInterval but
// no Interval was configured.
const DefaultSyncInterval = time.Second

// SyncKind selects a Writer's fsync cadence (spec §4.2).
type SyncKind int

const (
	// SyncEvery fsyncs after every Append.
	SyncEvery SyncKind = iota
	// SyncEveryN fsyncs after every N appends. This is the default,
	// matching the teacher's own flush-interval-driven SegmentWAL.Sync
	// cadence in spirit (batched fsync rather than per-write).
	SyncEveryN
	// SyncInterval fsyncs on a wall-clock timer regardless of append
	// volume.
	SyncInterval
)

// SyncPolicy configures a Writer's fsync cadence.
type SyncPolicy struct {
	Kind     SyncKind
	N        uint32        // used when Kind == SyncEveryN
	Interval time.Duration // used when Kind == SyncInterval
}

// DefaultSyncPolicy matches spec §4.2's stated default.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{Kind: SyncEveryN, N: 64}
}

// SealedSegment is the handle returned once a segment will receive no
// further writes (spec §3's "sealed exactly once, then read-only").
type SealedSegment struct {
	Path      string
	LastUsed  uint64 // last claimed offset, i.e. the live portion's end
}

// SegmentFilename builds the on-disk filename convention from spec §6:
// wal-<epoch_ms>-<nonce>.log.
func SegmentFilename(now time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	nonce := ulid.MustNew(ulid.Timestamp(now), entropy)
	return fmt.Sprintf("wal-%d-%s.log", now.UnixMilli(), nonce.String())
}
