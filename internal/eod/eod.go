package eod

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"broker-bridge/internal/logger"
	"broker-bridge/internal/tradelog"

	"github.com/shopspring/decimal"
)

type Summarizer struct {
	dir     string
	closeAt time.Duration
	now     func() time.Time
}

func newSummarizer(dir string, closeAt time.Duration) *Summarizer {
	if dir == "" {
		dir = "logs/trades"
	}
	if closeAt <= 0 {
		closeAt = DefaultClose
	}
	return &Summarizer{dir: dir, closeAt: closeAt, now: time.Now}
}

// openFills opens the day's fill journal, falling back to the gzipped copy
// left by retention. Returns nil when neither exists.
func (s *Summarizer) openFills(t time.Time) (io.ReadCloser, error) {
	p := s.fillFile(t)
	f, err := os.Open(p)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	gf, err := os.Open(p + ".gz")
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(gf)
	if err != nil {
		gf.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, closeBoth{zr, gf}}, nil
}

type closeBoth struct {
	a, b io.Closer
}

func (c closeBoth) Close() error {
	return errors.Join(c.a.Close(), c.b.Close())
}

// SummarizeDay aggregates the day's fills per symbol and writes a CSV.
// Returns an empty path when the day has no fills.
func (s *Summarizer) SummarizeDay(ctx context.Context, t time.Time) (string, error) {
	in, err := s.openFills(t)
	if err != nil || in == nil {
		return "", err
	}
	defer in.Close()

	aggs := map[string]*aggRow{}
	skipped := 0
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var e tradelog.FillEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		qty, err1 := decimal.NewFromString(e.Qty)
		price, err2 := decimal.NewFromString(e.Price)
		if err1 != nil || err2 != nil {
			skipped++
			continue
		}
		fee, err := decimal.NewFromString(e.Fee)
		if err != nil {
			fee = decimal.Zero
		}

		row := aggs[e.Symbol]
		if row == nil {
			row = newAggRow(e.Symbol)
			aggs[e.Symbol] = row
		}
		row.Fills++
		row.Fees = row.Fees.Add(fee)
		switch e.Side {
		case "BUY":
			row.BuyQty = row.BuyQty.Add(qty)
			row.BuyValue = row.BuyValue.Add(qty.Mul(price))
		case "SELL":
			row.SellQty = row.SellQty.Add(qty)
			row.SellValue = row.SellValue.Add(qty.Mul(price))
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if skipped > 0 {
		logger.Warn(ctx, "Skipped unreadable journal lines", "date", dayKey(t), "count", skipped)
	}
	if len(aggs) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := s.csvPath(t)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	headers := []string{"symbol", "fills", "buy_qty", "buy_avg", "sell_qty", "sell_avg", "fees", "realized_pnl", "gross_buy_value", "gross_sell_value"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	totalBuy, totalSell, totalFees, totalPnL := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, k := range keys {
		r := aggs[k]
		pnl := r.realized()
		rec := []string{
			r.Symbol,
			strconv.Itoa(r.Fills),
			r.BuyQty.String(),
			avg(r.BuyValue, r.BuyQty).StringFixed(4),
			r.SellQty.String(),
			avg(r.SellValue, r.SellQty).StringFixed(4),
			r.Fees.StringFixed(2),
			pnl.StringFixed(2),
			r.BuyValue.StringFixed(2),
			r.SellValue.StringFixed(2),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		totalBuy = totalBuy.Add(r.BuyValue)
		totalSell = totalSell.Add(r.SellValue)
		totalFees = totalFees.Add(r.Fees)
		totalPnL = totalPnL.Add(pnl)
	}
	if err := w.Write([]string{"TOTAL", "", "", "", "", "", totalFees.StringFixed(2), totalPnL.StringFixed(2), totalBuy.StringFixed(2), totalSell.StringFixed(2)}); err != nil {
		return "", err
	}
	w.Flush()
	return outPath, w.Error()
}

func (s *Summarizer) SummarizeToday(ctx context.Context) (string, error) {
	return s.SummarizeDay(ctx, s.now())
}

// ShouldRunNow is true once the cutoff has passed and today's CSV does not
// exist yet.
func (s *Summarizer) ShouldRunNow() (bool, string) {
	now := s.now()
	outPath := s.csvPath(now)
	if now.Before(s.closeTime(now)) {
		return false, outPath
	}
	if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
		return true, outPath
	}
	return false, outPath
}
