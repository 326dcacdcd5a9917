package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/apperr"
	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

const insertTickSQL = `
INSERT INTO ticks (symbol, ts, price, qty, side, trade_id)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (symbol, trade_id) DO NOTHING`

// PostgresStore is the TickStore of record. The schema is managed by
// external migrations; see migrations/.
type PostgresStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
	cfg    config.Database
}

var _ TickStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, logger *zap.Logger, cfg config.Database) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperr.New(apperr.KindFatal, "store.connect", fmt.Errorf("parse database url: %w", err))
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MinConns = cfg.MinConnections
	poolCfg.MaxConnLifetime = cfg.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.New(apperr.KindFatal, "store.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.New(apperr.KindFatal, "store.connect", fmt.Errorf("ping: %w", err))
	}

	logger.Info("tick store connected",
		zap.Int32("max_connections", cfg.MaxConnections),
		zap.Int32("min_connections", cfg.MinConnections))

	return &PostgresStore{logger: logger, pool: pool, cfg: cfg}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) InsertOne(ctx context.Context, tick model.Tick) (InsertStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, insertTickSQL,
		tick.Symbol.String(), tick.TimeStamp, tick.Price.String(),
		tick.Qty.String(), tick.Side.String(), int64(tick.TradeID))
	if err != nil {
		return Inserted, classify("store.insert_one", err)
	}
	if tag.RowsAffected() == 0 {
		return DuplicateIgnored, nil
	}
	return Inserted, nil
}

// InsertBatch commits all non-duplicate rows of the batch in one
// transaction. On error nothing is committed and the whole batch can be
// retried as a unit.
func (s *PostgresStore) InsertBatch(ctx context.Context, ticks []model.Tick) (BatchResult, error) {
	if len(ticks) == 0 {
		return BatchResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return BatchResult{}, classify("store.insert_batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, tick := range ticks {
		batch.Queue(insertTickSQL,
			tick.Symbol.String(), tick.TimeStamp, tick.Price.String(),
			tick.Qty.String(), tick.Side.String(), int64(tick.TradeID))
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range ticks {
		tag, execErr := br.Exec()
		if execErr != nil {
			_ = br.Close()
			return BatchResult{}, classify("store.insert_batch", execErr)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return BatchResult{}, classify("store.insert_batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, classify("store.insert_batch", err)
	}

	return BatchResult{Inserted: inserted, Duplicates: len(ticks) - inserted}, nil
}

func (s *PostgresStore) QueryRange(ctx context.Context, symbol model.Symbol, tLo, tHi int64, limit int) ([]model.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	query := `
SELECT symbol, ts, price, qty, side, trade_id FROM ticks
WHERE symbol = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts ASC, trade_id ASC`
	args := []any{symbol.String(), tLo, tHi}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("store.query_range", err)
	}
	defer rows.Close()

	return scanTicks(rows)
}

func (s *PostgresStore) QueryLatest(ctx context.Context, symbol model.Symbol, n int) ([]model.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT symbol, ts, price, qty, side, trade_id FROM ticks
WHERE symbol = $1
ORDER BY ts DESC, trade_id DESC
LIMIT $2`, symbol.String(), n)
	if err != nil {
		return nil, classify("store.query_latest", err)
	}
	defer rows.Close()

	ticks, err := scanTicks(rows)
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first; callers get chronological order.
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
	return ticks, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	stats := Stats{PerSymbol: make(map[model.Symbol]SymbolStats)}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&stats.TotalRows); err != nil {
		return Stats{}, classify("store.stats", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT symbol, COUNT(*), MIN(ts), MAX(ts), MIN(price), MAX(price)
FROM ticks
GROUP BY symbol
ORDER BY COUNT(*) DESC`)
	if err != nil {
		return Stats{}, classify("store.stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			symbol             string
			ss                 SymbolStats
			minPrice, maxPrice string
		)
		if err := rows.Scan(&symbol, &ss.Count, &ss.EarliestTS, &ss.LatestTS, &minPrice, &maxPrice); err != nil {
			return Stats{}, classify("store.stats", err)
		}
		if ss.MinPrice, err = fixed.FromString(minPrice); err != nil {
			return Stats{}, apperr.New(apperr.KindFatal, "store.stats", err)
		}
		if ss.MaxPrice, err = fixed.FromString(maxPrice); err != nil {
			return Stats{}, apperr.New(apperr.KindFatal, "store.stats", err)
		}
		stats.PerSymbol[model.Symbol(symbol)] = ss
	}
	return stats, rows.Err()
}

func scanTicks(rows pgx.Rows) ([]model.Tick, error) {
	var ticks []model.Tick
	for rows.Next() {
		var (
			symbol, price, qty, side string
			ts                       int64
			tradeID                  int64
		)
		if err := rows.Scan(&symbol, &ts, &price, &qty, &side, &tradeID); err != nil {
			return nil, classify("store.scan", err)
		}

		tick := model.Tick{
			Symbol:    model.Symbol(symbol),
			TimeStamp: ts,
			TradeID:   uint64(tradeID),
		}
		var err error
		if tick.Price, err = fixed.FromString(price); err != nil {
			return nil, apperr.New(apperr.KindFatal, "store.scan", err)
		}
		if tick.Qty, err = fixed.FromString(qty); err != nil {
			return nil, apperr.New(apperr.KindFatal, "store.scan", err)
		}
		if tick.Side, err = model.ParseSide(side); err != nil {
			return nil, apperr.New(apperr.KindFatal, "store.scan", err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}

// classify maps a pgx error to the retry taxonomy. Connection and
// resource classes are transient; anything schema-shaped is fatal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.New(apperr.KindTransient, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		switch {
		case strings.HasPrefix(class, "08"), // connection exception
			strings.HasPrefix(class, "53"), // insufficient resources
			strings.HasPrefix(class, "57"), // operator intervention
			class == "40001", class == "40P01": // serialization, deadlock
			return apperr.New(apperr.KindTransient, op, err)
		case strings.HasPrefix(class, "42"), // syntax or access rule
			strings.HasPrefix(class, "23"): // constraint violation
			return apperr.New(apperr.KindFatal, op, err)
		}
	}
	return apperr.New(apperr.KindTransient, op, err)
}
