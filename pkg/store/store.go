package store

import (
	"context"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

type InsertStatus int

const (
	Inserted InsertStatus = iota
	DuplicateIgnored
)

type BatchResult struct {
	Inserted   int
	Duplicates int
}

type SymbolStats struct {
	Count      int64
	EarliestTS int64
	LatestTS   int64
	MinPrice   fixed.Point
	MaxPrice   fixed.Point
}

type Stats struct {
	TotalRows int64
	PerSymbol map[model.Symbol]SymbolStats
}

// TickStore is the durable, append-only tick store of record.
//
// Duplicate detection is by (symbol, trade_id); duplicates are absorbed
// silently and only reported through counters. Batches are atomic: either
// every non-duplicate row of the batch commits or none does.
type TickStore interface {
	InsertOne(ctx context.Context, tick model.Tick) (InsertStatus, error)
	InsertBatch(ctx context.Context, ticks []model.Tick) (BatchResult, error)

	// QueryRange returns ticks with tLo <= ts <= tHi ordered by ts
	// ascending, trade_id ascending. limit <= 0 means no limit.
	QueryRange(ctx context.Context, symbol model.Symbol, tLo, tHi int64, limit int) ([]model.Tick, error)

	// QueryLatest returns the most recent n ticks in chronological order.
	QueryLatest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, error)

	Stats(ctx context.Context) (Stats, error)

	Close()
}
