package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peter-kozarec/helios/pkg/config"
	"github.com/peter-kozarec/helios/pkg/model"
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// Integration tests; they need a migrated database and are skipped
// without DATABASE_URL.
func testStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	cfg := config.Database{
		URL:              url,
		MaxConnections:   2,
		MinConnections:   1,
		MaxLifetime:      30 * time.Minute,
		OperationTimeout: 5 * time.Second,
	}

	s, err := NewPostgresStore(context.Background(), zap.NewNop(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(context.Background(), `DELETE FROM ticks WHERE symbol = 'TESTUSDT'`)
	require.NoError(t, err)

	return s
}

func testTick(ts int64, price string, tradeID uint64) model.Tick {
	return model.Tick{
		Symbol:    "TESTUSDT",
		TimeStamp: ts,
		Price:     fixed.MustFromString(price),
		Qty:       fixed.One,
		Side:      model.Buy,
		TradeID:   tradeID,
	}
}

func TestPostgresStore_InsertOneDuplicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	status, err := s.InsertOne(ctx, testTick(1, "100.5", 1))
	require.NoError(t, err)
	assert.Equal(t, Inserted, status)

	status, err = s.InsertOne(ctx, testTick(1, "100.5", 1))
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, status)
}

func TestPostgresStore_InsertBatchCountsDuplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	batch := []model.Tick{
		testTick(1, "100", 10),
		testTick(2, "101", 11),
		testTick(3, "102", 12),
		testTick(3, "102", 12), // duplicate inside the batch
	}

	res, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)

	// The same batch again is all duplicates.
	res, err = s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 4, res.Duplicates)
}

func TestPostgresStore_QueryRangeOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Inserted out of order on purpose.
	_, err := s.InsertBatch(ctx, []model.Tick{
		testTick(300, "103", 23),
		testTick(100, "101", 21),
		testTick(200, "102", 22),
	})
	require.NoError(t, err)

	ticks, err := s.QueryRange(ctx, "TESTUSDT", 0, 1000, 0)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, int64(100), ticks[0].TimeStamp)
	assert.Equal(t, int64(200), ticks[1].TimeStamp)
	assert.Equal(t, int64(300), ticks[2].TimeStamp)
	assert.Equal(t, "101", ticks[0].Price.String())
}

func TestPostgresStore_QueryLatestChronological(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []model.Tick{
		testTick(100, "101", 31),
		testTick(200, "102", 32),
		testTick(300, "103", 33),
	})
	require.NoError(t, err)

	ticks, err := s.QueryLatest(ctx, "TESTUSDT", 2)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, int64(200), ticks[0].TimeStamp)
	assert.Equal(t, int64(300), ticks[1].TimeStamp)
}

func TestPostgresStore_Stats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []model.Tick{
		testTick(100, "90.5", 41),
		testTick(200, "110.25", 42),
	})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)

	ss, ok := stats.PerSymbol["TESTUSDT"]
	require.True(t, ok)
	assert.Equal(t, int64(2), ss.Count)
	assert.Equal(t, int64(100), ss.EarliestTS)
	assert.Equal(t, int64(200), ss.LatestTS)
	assert.True(t, ss.MinPrice.Eq(fixed.MustFromString("90.5")))
	assert.True(t, ss.MaxPrice.Eq(fixed.MustFromString("110.25")))
}
