package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// Reader streams ticks out of a DuckDB archive file. Archives carry the
// same column layout as the ticks table of record, so a backfill is a
// straight copy through the batch-insert path.
type Reader struct {
	dataSourceName string
	db             *sql.DB
}

func NewReader(dataSourceName string) *Reader {
	return &Reader{
		dataSourceName: dataSourceName,
	}
}

func (r *Reader) Connect() error {
	db, err := sql.Open("duckdb", r.dataSourceName)
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}
	r.db = db
	return nil
}

func (r *Reader) Close() {
	_ = r.db.Close()
}

// LoadTicks walks the archive for one symbol in (ts, trade_id) order and
// hands every tick to the handler. A handler error stops the walk.
func (r *Reader) LoadTicks(ctx context.Context, symbol model.Symbol, from, to int64, handler func(tick model.Tick) error) error {
	query := `SELECT ts, price, qty, side, trade_id FROM ticks WHERE symbol = ? AND ts BETWEEN ? AND ? ORDER BY ts, trade_id`

	rows, err := r.db.QueryContext(ctx, query, symbol.String(), from, to)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			ts, tradeID      int64
			price, qty, side string
		)
		if err := rows.Scan(&ts, &price, &qty, &side, &tradeID); err != nil {
			return fmt.Errorf("scan: %w", err)
		}

		tick := model.Tick{
			Symbol:    symbol,
			TimeStamp: ts,
			TradeID:   uint64(tradeID),
		}
		if tick.Price, err = fixed.FromString(price); err != nil {
			return fmt.Errorf("price at ts %d: %w", ts, err)
		}
		if tick.Qty, err = fixed.FromString(qty); err != nil {
			return fmt.Errorf("qty at ts %d: %w", ts, err)
		}
		if tick.Side, err = model.ParseSide(side); err != nil {
			return fmt.Errorf("side at ts %d: %w", ts, err)
		}

		if err := handler(tick); err != nil {
			return err
		}
	}
	return rows.Err()
}
