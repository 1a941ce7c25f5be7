// Package audit is the append-only persistence of trigger transitions,
// closed-trade records and risk states.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"signalcartel/internal/performance"
	"signalcartel/internal/risk"
	"signalcartel/internal/trigger"
)

// Store is written by the cycle after each stage completes and never read
// mid-cycle.
type Store interface {
	AppendTrigger(ctx context.Context, t trigger.Trigger, event string) error
	AppendRecords(ctx context.Context, records []performance.Record) error
	AppendRiskState(ctx context.Context, s risk.State) error
	Close() error
}

// GormStore implements Store on SQLite through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit store: path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: open %s: %w", path, err)
	}
	return NewGormStoreFromDB(db)
}

func NewGormStoreFromDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit store: gorm db cannot be nil")
	}
	if err := db.AutoMigrate(&triggerEventModel{}, &recordModel{}, &riskStateModel{}); err != nil {
		return nil, fmt.Errorf("audit store: migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendTrigger(ctx context.Context, t trigger.Trigger, event string) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", t.ID, err)
	}
	row := triggerEventModel{
		TriggerID:   t.ID,
		Instrument:  t.Instrument,
		Family:      t.Family,
		Direction:   string(t.Direction),
		Status:      string(t.Status),
		Event:       event,
		Size:        t.Size,
		Confidence:  t.Confidence,
		Payload:     datatypes.JSON(payload),
		CreatedUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// AppendRecords inserts closed-trade records. Records already stored are
// skipped, so a retried flush is safe.
func (s *GormStore) AppendRecords(ctx context.Context, records []performance.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]recordModel, 0, len(records))
	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		rows = append(rows, recordModel{
			ID:         r.ID,
			TriggerID:  r.TriggerID,
			Family:     r.Family,
			Instrument: r.Instrument,
			Direction:  string(r.Direction),
			Outcome:    string(r.Outcome),
			Return:     r.Return,
			HoldingSec: r.Holding.Seconds(),
			Regime:     string(r.Regime),
			Payload:    datatypes.JSON(payload),
			ClosedUnix: r.ClosedAt.UnixMilli(),
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error
}

func (s *GormStore) AppendRiskState(ctx context.Context, st risk.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal risk state v%d: %w", st.Version, err)
	}
	row := riskStateModel{
		Version:     st.Version,
		Equity:      st.Equity,
		Drawdown:    st.Drawdown,
		Heat:        st.Heat,
		Breaker:     st.Breaker.Active,
		Halted:      st.Halted,
		Payload:     datatypes.JSON(payload),
		UpdatedUnix: st.UpdatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecentRecords returns records closed at or after since, oldest first.
func (s *GormStore) RecentRecords(ctx context.Context, since time.Time, limit int) ([]performance.Record, error) {
	var rows []recordModel
	q := s.db.WithContext(ctx).Where("closed_at >= ?", since.UnixMilli()).Order("closed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]performance.Record, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		var r performance.Record
		if err := json.Unmarshal(rows[i].Payload, &r); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rows[i].ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LatestRiskState returns the most recently appended state.
func (s *GormStore) LatestRiskState(ctx context.Context) (risk.State, bool, error) {
	var rows []riskStateModel
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(1).Find(&rows).Error; err != nil {
		return risk.State{}, false, err
	}
	if len(rows) == 0 {
		return risk.State{}, false, nil
	}
	var st risk.State
	if err := json.Unmarshal(rows[0].Payload, &st); err != nil {
		return risk.State{}, false, fmt.Errorf("decode risk state: %w", err)
	}
	return st, true, nil
}

// TriggerEvents lists the recorded transitions of one trigger in order.
func (s *GormStore) TriggerEvents(ctx context.Context, triggerID string) ([]string, error) {
	var events []string
	err := s.db.WithContext(ctx).Model(&triggerEventModel{}).
		Where("trigger_id = ?", triggerID).Order("id ASC").Pluck("event", &events).Error
	return events, err
}

func (s *GormStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Nop discards everything.
type Nop struct{}

func (Nop) AppendTrigger(context.Context, trigger.Trigger, string) error { return nil }
func (Nop) AppendRecords(context.Context, []performance.Record) error    { return nil }
func (Nop) AppendRiskState(context.Context, risk.State) error            { return nil }
func (Nop) Close() error                                                 { return nil }
