package tradelog

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"broker-bridge/internal/types"
)

type FillEntry struct {
	Time          string `json:"time"`
	FillID        string `json:"fill_id"`
	ClientOrderID string `json:"client_order_id"`
	BrokerOrderID string `json:"broker_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
	Fee           string `json:"fee"`
	PositionQty   string `json:"position_qty"`
	PositionAvg   string `json:"position_avg"`
}

type EventEntry struct {
	Time          string `json:"time"`
	Kind          string `json:"kind"`
	ClientOrderID string `json:"client_order_id"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// Journal appends JSON lines to one file per UTC day: fills under dir and
// order events under dir/orders.
type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func New(dir string) *Journal {
	if dir == "" {
		dir = "logs/trades"
	}
	return &Journal{dir: dir, now: time.Now}
}

func (j *Journal) Dir() string { return j.dir }

func (j *Journal) fillsPath(t time.Time) string {
	return filepath.Join(j.dir, t.UTC().Format("2006-01-02")+".txt")
}

func (j *Journal) eventsPath(t time.Time) string {
	return filepath.Join(j.dir, "orders", t.UTC().Format("2006-01-02")+".txt")
}

func (j *Journal) append(p string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// RecordFill implements portfolio.Sink.
func (j *Journal) RecordFill(ctx context.Context, fill types.Fill, pos types.Position) error {
	ts := fill.Ts
	if ts.IsZero() {
		ts = j.now()
	}
	return j.append(j.fillsPath(ts), FillEntry{
		Time:          ts.UTC().Format(time.RFC3339Nano),
		FillID:        fill.FillID,
		ClientOrderID: fill.ClientOrderID,
		BrokerOrderID: fill.BrokerOrderID,
		Symbol:        fill.Symbol,
		Side:          string(fill.Side),
		Qty:           fill.Qty.String(),
		Price:         fill.Price.String(),
		Fee:           fill.Fee.String(),
		PositionQty:   pos.Qty.String(),
		PositionAvg:   pos.AvgPrice.String(),
	})
}

func (j *Journal) RecordEvent(ctx context.Context, ev types.OrderEvent) error {
	ts := ev.Ts
	if ts.IsZero() {
		ts = j.now()
	}
	return j.append(j.eventsPath(ts), EventEntry{
		Time:          ts.UTC().Format(time.RFC3339Nano),
		Kind:          string(ev.Kind),
		ClientOrderID: ev.ClientOrderID,
		BrokerOrderID: ev.BrokerOrderID,
		Symbol:        ev.Symbol,
		Status:        string(ev.Status),
		Reason:        ev.Reason,
	})
}

// CompressOlder gzips journal files not modified within retentionDays.
func (j *Journal) CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := j.now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(j.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		gz := p + ".gz"
		if _, err := os.Stat(gz); err == nil {
			_ = os.Remove(p)
			return nil
		}
		if err := gzipFile(p, gz); err != nil {
			return nil
		}
		_ = os.Remove(p)
		return nil
	})
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := gw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
