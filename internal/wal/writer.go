package wal

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/titanlog/titan/internal/ierrors"
)

// Writer owns one pre-allocated segment file and the OffsetManager
// that reserves space within it (spec §4.2). Multiple goroutines may
// call Append concurrently; each receives a disjoint write region from
// the OffsetManager and writes with a positional WriteAt, never a
// shared seek+write, so no lock is held across serialization or I/O.
type Writer struct {
	path string
	file *os.File
	om   *OffsetManager

	policy SyncPolicy
	logger log.Logger

	appendCount uint64 // only touched for SyncEveryN bookkeeping
	fsyncMu     sync.Mutex

	poisoned atomic.Bool
	sealed   atomic.Bool

	metrics *writerMetrics
}

type writerMetrics struct {
	blocksWritten  prometheus.Counter
	bytesWritten   prometheus.Counter
	fsyncSeconds   prometheus.Histogram
	rotations      prometheus.Counter
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	m := &writerMetrics{
		blocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_wal_blocks_written_total",
			Help: "Number of WAL blocks appended.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_wal_bytes_written_total",
			Help: "Bytes appended to WAL segments.",
		}),
		fsyncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "titan_wal_fsync_duration_seconds",
			Help: "Latency of WAL segment fsync calls.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "titan_wal_segment_rotations_total",
			Help: "Number of times a segment was sealed and rotated.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.blocksWritten, m.bytesWritten, m.fsyncSeconds, m.rotations)
	}
	return m
}

// Open creates (pre-allocating to cap) or reopens the segment file at
// path and returns a Writer over it.
func Open(path string, cap uint64, policy SyncPolicy, logger log.Logger, reg prometheus.Registerer) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindIO, "wal.Open", "create segment file", err)
	}
	if err := f.Truncate(int64(cap)); err != nil {
		f.Close()
		return nil, ierrors.Wrap(ierrors.KindIO, "wal.Open", "preallocate segment file", err)
	}
	return &Writer{
		path:    path,
		file:    f,
		om:      NewOffsetManager(cap),
		policy:  policy,
		logger:  logger,
		metrics: newWriterMetrics(reg),
	}, nil
}

// Path returns the segment file's path.
func (w *Writer) Path() string { return w.path }

// Poisoned reports whether a prior I/O failure left this segment
// unusable; every later Append on it fails. The supervisor does not
// replace a poisoned writer: it keeps it as the active segment and
// reports the state through Supervisor.WriterPoisoned.
func (w *Writer) Poisoned() bool { return w.poisoned.Load() }

// Append serializes meta and payload into a block, claims space for
// it, writes it at the claimed offset, and applies the sync policy.
// It returns the block's start offset within the segment.
func (w *Writer) Append(meta, payload []byte) (uint64, error) {
	if w.poisoned.Load() {
		return 0, ierrors.New(ierrors.KindIO, "wal.Append", errors.New("segment poisoned by a prior write failure"))
	}
	if w.sealed.Load() {
		return 0, ierrors.New(ierrors.KindIO, "wal.Append", errors.New("segment already sealed"))
	}

	block := Encode(0, meta, payload) // blockStart filled in below via offset
	// Encode assumed blockStart==0 for header math relative to the
	// block's own start; re-derive absolute offsets once we know where
	// the block actually lands.
	size := uint64(len(block))

	offset, err := w.om.Claim(size)
	if err != nil {
		return 0, err // ErrSegmentFull: caller (the supervisor) rotates.
	}

	// The header's absolute offsets must be relative to the segment,
	// not to the block-local encoding above, so re-encode with the
	// real blockStart now that we hold it exclusively.
	block = Encode(offset, meta, payload)

	if _, err := w.file.WriteAt(block, int64(offset)); err != nil {
		w.poisoned.Store(true)
		return 0, ierrors.Wrap(ierrors.KindIO, "wal.Append", "positional write failed", err)
	}

	w.metrics.blocksWritten.Inc()
	w.metrics.bytesWritten.Add(float64(size))

	if err := w.maybeSync(); err != nil {
		w.poisoned.Store(true)
		return 0, err
	}
	return offset, nil
}

func (w *Writer) maybeSync() error {
	switch w.policy.Kind {
	case SyncEvery:
		return w.sync()
	case SyncEveryN:
		n := w.policy.N
		if n == 0 {
			n = 1
		}
		if atomic.AddUint64(&w.appendCount, 1)%uint64(n) == 0 {
			return w.sync()
		}
		return nil
	case SyncInterval:
		// Interval-based sync is driven by a background ticker started
		// by the supervisor; Append itself never blocks on the timer.
		return nil
	default:
		return nil
	}
}

func (w *Writer) sync() error {
	w.fsyncMu.Lock()
	defer w.fsyncMu.Unlock()
	start := time.Now()
	defer func() { w.metrics.fsyncSeconds.Observe(time.Since(start).Seconds()) }()
	if err := w.file.Sync(); err != nil {
		return ierrors.Wrap(ierrors.KindIO, "wal.sync", "fsync failed", err)
	}
	return nil
}

// Sync forces an fsync regardless of policy. Exposed for
// SyncInterval's background ticker and for tests.
func (w *Writer) Sync() error { return w.sync() }

// Seal flushes, marks the segment read-only, and returns a handle
// describing its live extent.
func (w *Writer) Seal() (SealedSegment, error) {
	if err := w.sync(); err != nil {
		return SealedSegment{}, err
	}
	w.sealed.Store(true)
	w.metrics.rotations.Inc()
	level.Info(w.logger).Log("msg", "sealed WAL segment", "path", w.path, "last_offset", w.om.Current())
	if err := w.file.Close(); err != nil {
		return SealedSegment{}, ierrors.Wrap(ierrors.KindIO, "wal.Seal", "close segment file", err)
	}
	return SealedSegment{Path: w.path, LastUsed: w.om.Current()}, nil
}

// Cap returns the segment's configured capacity.
func (w *Writer) Cap() uint64 { return w.om.Cap() }

// Current returns the current claimed-offset watermark.
func (w *Writer) Current() uint64 { return w.om.Current() }
