package depthlog

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"krakenbot/pkg/kraken"
)

func openReadOnly(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path)
}

func TestRecordAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.db")
	l, err := Open(path)
	require.NoError(t, err)

	l.Record(kraken.BookDelta{
		Symbol: "DOGE/USD",
		Type:   "snapshot",
		Bids:   []kraken.BookDeltaLevel{{Price: 0.08, Qty: 100}, {Price: 0.079, Qty: 50}},
		Asks:   []kraken.BookDeltaLevel{{Price: 0.081, Qty: 70}},
	})
	l.Record(kraken.BookDelta{
		Symbol: "DOGE/USD",
		Type:   "update",
		Bids:   []kraken.BookDeltaLevel{{Price: 0.08, Qty: 0}},
	})
	require.NoError(t, l.Close())

	db, err := openReadOnly(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM depth`).Scan(&count))
	require.Equal(t, 4, count)

	var snapshots int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM depth WHERE snapshot = 1`).Scan(&snapshots))
	require.Equal(t, 3, snapshots)

	var sides int
	require.NoError(t, db.QueryRow(`SELECT COUNT(DISTINCT side) FROM depth`).Scan(&sides))
	require.Equal(t, 2, sides)
}

func TestCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestRecordAfterCloseDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depth.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	l.Record(kraken.BookDelta{Symbol: "DOGE/USD", Type: "update", Bids: []kraken.BookDeltaLevel{{Price: 1, Qty: 1}}})
}
