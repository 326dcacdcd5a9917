package ingest

import (
	"sync/atomic"

	"go.uber.org/zap"
)

type stats struct {
	received        atomic.Uint64
	invalidDropped  atomic.Uint64
	overflowDropped atomic.Uint64
	inserted        atomic.Uint64
	duplicates      atomic.Uint64
	batchesFlushed  atomic.Uint64
	batchesFailed   atomic.Uint64
	retries         atomic.Uint64
	reconnects      atomic.Uint64
	unflushed       atomic.Uint64
}

// Stats is a point-in-time snapshot of the pipeline counters.
type Stats struct {
	Received        uint64
	InvalidDropped  uint64
	OverflowDropped uint64
	Inserted        uint64
	Duplicates      uint64
	BatchesFlushed  uint64
	BatchesFailed   uint64
	Retries         uint64
	Reconnects      uint64
	Unflushed       uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Received:        s.received.Load(),
		InvalidDropped:  s.invalidDropped.Load(),
		OverflowDropped: s.overflowDropped.Load(),
		Inserted:        s.inserted.Load(),
		Duplicates:      s.duplicates.Load(),
		BatchesFlushed:  s.batchesFlushed.Load(),
		BatchesFailed:   s.batchesFailed.Load(),
		Retries:         s.retries.Load(),
		Reconnects:      s.reconnects.Load(),
		Unflushed:       s.unflushed.Load(),
	}
}

func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("received", s.Received),
		zap.Uint64("invalid_dropped", s.InvalidDropped),
		zap.Uint64("overflow_dropped", s.OverflowDropped),
		zap.Uint64("inserted", s.Inserted),
		zap.Uint64("duplicates", s.Duplicates),
		zap.Uint64("batches_flushed", s.BatchesFlushed),
		zap.Uint64("batches_failed", s.BatchesFailed),
		zap.Uint64("retries", s.Retries),
		zap.Uint64("reconnects", s.Reconnects),
		zap.Uint64("unflushed", s.Unflushed),
	}
}
