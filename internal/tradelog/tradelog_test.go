package tradelog

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"broker-bridge/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC)

func readLines(t *testing.T, p string) []map[string]any {
	t.Helper()
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestFillsSplitByUTCDay(t *testing.T) {
	j := New(t.TempDir())
	ctx := context.Background()
	f := types.Fill{FillID: "B1-1", Symbol: "EURUSD", Side: types.SideBuy, Qty: decimal.NewFromFloat(0.01), Price: decimal.NewFromFloat(1.085), Ts: t0}

	require.NoError(t, j.RecordFill(ctx, f, types.Position{Symbol: "EURUSD", Qty: f.Qty, AvgPrice: f.Price}))
	f.FillID, f.Ts = "B2-1", t0.Add(2*time.Minute)
	require.NoError(t, j.RecordFill(ctx, f, types.Position{Symbol: "EURUSD", Qty: decimal.NewFromFloat(0.02), AvgPrice: f.Price}))

	day1 := readLines(t, filepath.Join(j.Dir(), "2024-03-04.txt"))
	require.Len(t, day1, 1)
	assert.Equal(t, "B1-1", day1[0]["fill_id"])
	assert.Equal(t, "0.01", day1[0]["qty"])

	day2 := readLines(t, filepath.Join(j.Dir(), "2024-03-05.txt"))
	require.Len(t, day2, 1)
	assert.Equal(t, "0.02", day2[0]["position_qty"])
}

func TestOrderEventsJournal(t *testing.T) {
	j := New(t.TempDir())
	require.NoError(t, j.RecordEvent(context.Background(), types.OrderEvent{
		Kind: types.EventReject, ClientOrderID: "c1", Symbol: "EURUSD",
		Status: types.OrderStatusRejected, Reason: "insufficient margin", Ts: t0,
	}))

	lines := readLines(t, filepath.Join(j.Dir(), "orders", "2024-03-04.txt"))
	require.Len(t, lines, 1)
	assert.Equal(t, "REJECT", lines[0]["kind"])
	assert.Equal(t, "insufficient margin", lines[0]["reason"])
	_, hasBroker := lines[0]["broker_order_id"]
	assert.False(t, hasBroker)
}

func TestCompressOlder(t *testing.T) {
	j := New(t.TempDir())
	j.now = func() time.Time { return t0 }
	ctx := context.Background()
	require.NoError(t, j.RecordEvent(ctx, types.OrderEvent{Kind: types.EventAck, ClientOrderID: "old", Ts: t0.AddDate(0, 0, -10)}))
	require.NoError(t, j.RecordEvent(ctx, types.OrderEvent{Kind: types.EventAck, ClientOrderID: "new", Ts: t0}))

	oldPath := filepath.Join(j.Dir(), "orders", "2024-02-23.txt")
	stamp := t0.AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldPath, stamp, stamp))

	require.NoError(t, j.CompressOlder(7))

	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, filepath.Join(j.Dir(), "orders", "2024-03-04.txt"))

	gz, err := os.Open(oldPath + ".gz")
	require.NoError(t, err)
	defer gz.Close()
	r, err := gzip.NewReader(gz)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&m))
	assert.Equal(t, "old", m["client_order_id"])

	assert.NoError(t, j.CompressOlder(0))
}
