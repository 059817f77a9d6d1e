package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"broker-bridge/internal/types"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// FillRow is one applied fill. fill_id is unique so replays are no-ops.
type FillRow struct {
	ID            int64     `gorm:"column:id;primaryKey"`
	FillID        string    `gorm:"column:fill_id;uniqueIndex"`
	ClientOrderID string    `gorm:"column:client_order_id;index"`
	BrokerOrderID string    `gorm:"column:broker_order_id"`
	Symbol        string    `gorm:"column:symbol;index"`
	Side          string    `gorm:"column:side"`
	Qty           string    `gorm:"column:qty"`
	Price         string    `gorm:"column:price"`
	Fee           string    `gorm:"column:fee"`
	Ts            time.Time `gorm:"column:ts"`
}

func (FillRow) TableName() string { return "fills" }

// OrderRow is the last known state of an order.
type OrderRow struct {
	ClientOrderID string    `gorm:"column:client_order_id;primaryKey"`
	BrokerOrderID string    `gorm:"column:broker_order_id;index"`
	Symbol        string    `gorm:"column:symbol"`
	Status        string    `gorm:"column:status"`
	Reason        string    `gorm:"column:reason"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (OrderRow) TableName() string { return "orders" }

// PositionRow is the book's view of one symbol after the latest change.
type PositionRow struct {
	Symbol    string    `gorm:"column:symbol;primaryKey"`
	Qty       string    `gorm:"column:qty"`
	AvgPrice  string    `gorm:"column:avg_price"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (PositionRow) TableName() string { return "positions" }

// Store persists fills, order states and positions to SQLite. It is a
// journal for operators and restarts; the broker stays ground truth.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&FillRow{}, &OrderRow{}, &PositionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// a single connection keeps :memory: databases shared
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordFill stores the fill and the resulting position in one transaction.
func (s *Store) RecordFill(ctx context.Context, fill types.Fill, pos types.Position) error {
	row := FillRow{
		FillID:        fill.FillID,
		ClientOrderID: fill.ClientOrderID,
		BrokerOrderID: fill.BrokerOrderID,
		Symbol:        fill.Symbol,
		Side:          string(fill.Side),
		Qty:           fill.Qty.String(),
		Price:         fill.Price.String(),
		Fee:           fill.Fee.String(),
		Ts:            fill.Ts.UTC(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fill_id"}},
			DoNothing: true,
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("insert fill %s: %w", fill.FillID, err)
		}
		return upsertPosition(tx, pos, s.now())
	})
}

// RecordEvent upserts the order's latest status.
func (s *Store) RecordEvent(ctx context.Context, ev types.OrderEvent) error {
	ts := ev.Ts
	if ts.IsZero() {
		ts = s.now()
	}
	row := OrderRow{
		ClientOrderID: ev.ClientOrderID,
		BrokerOrderID: ev.BrokerOrderID,
		Symbol:        ev.Symbol,
		Status:        string(ev.Status),
		Reason:        ev.Reason,
		UpdatedAt:     ts.UTC(),
	}
	cols := []string{"status", "reason", "updated_at"}
	if row.BrokerOrderID != "" {
		cols = append(cols, "broker_order_id")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_order_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row).Error
}

// SavePositions replaces the stored positions with the given set.
func (s *Store) SavePositions(ctx context.Context, positions []types.Position) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PositionRow{}).Error; err != nil {
			return err
		}
		for _, p := range positions {
			if err := upsertPosition(tx, p, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPosition(tx *gorm.DB, p types.Position, now time.Time) error {
	if p.Flat() {
		return tx.Where("symbol = ?", p.Symbol).Delete(&PositionRow{}).Error
	}
	row := PositionRow{Symbol: p.Symbol, Qty: p.Qty.String(), AvgPrice: p.AvgPrice.String(), UpdatedAt: now.UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"qty", "avg_price", "updated_at"}),
	}).Create(&row).Error
}

// Positions returns the stored positions sorted by symbol.
func (s *Store) Positions(ctx context.Context) ([]types.Position, error) {
	var rows []PositionRow
	if err := s.db.WithContext(ctx).Order("symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		qty, err := decimal.NewFromString(r.Qty)
		if err != nil {
			return nil, fmt.Errorf("position %s qty: %w", r.Symbol, err)
		}
		avg, err := decimal.NewFromString(r.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("position %s avg price: %w", r.Symbol, err)
		}
		out = append(out, types.Position{Symbol: r.Symbol, Qty: qty, AvgPrice: avg})
	}
	return out, nil
}

// Fills returns fills at or after since, oldest first.
func (s *Store) Fills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	var rows []FillRow
	if err := s.db.WithContext(ctx).Where("ts >= ?", since.UTC()).Order("ts, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Fill, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Fill{
			FillID:        r.FillID,
			ClientOrderID: r.ClientOrderID,
			BrokerOrderID: r.BrokerOrderID,
			Symbol:        r.Symbol,
			Side:          types.Side(r.Side),
			Qty:           decimal.RequireFromString(r.Qty),
			Price:         decimal.RequireFromString(r.Price),
			Fee:           decimal.RequireFromString(r.Fee),
			Ts:            r.Ts,
		})
	}
	return out, nil
}

// OrderStatus returns the stored status for a client order id.
func (s *Store) OrderStatus(ctx context.Context, clientOrderID string) (types.OrderStatus, bool, error) {
	var row OrderRow
	res := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).Limit(1).Find(&row)
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected == 0 {
		return "", false, nil
	}
	return types.OrderStatus(row.Status), true, nil
}
