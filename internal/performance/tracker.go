package performance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/risk"
	"signalcartel/internal/types"
)

// BeliefSaver persists beliefs, e.g. the parameter cache.
type BeliefSaver interface {
	SaveBeliefs(ctx context.Context, beliefs map[string]Belief) error
}

// RecordAppender persists closed-trade records, e.g. the audit store.
type RecordAppender interface {
	AppendRecords(ctx context.Context, records []Record) error
}

// Tracker owns the rolling record window, the metrics derived from it and
// the parameter beliefs. All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	cfg     config.PerformanceConfig
	records []Record
	metrics map[string]Metrics
	beliefs map[string]Belief
	pending []Record
	dirty   bool
	now     func() time.Time
}

func NewTracker(cfg config.PerformanceConfig) *Tracker {
	return &Tracker{
		cfg:     cfg,
		metrics: make(map[string]Metrics),
		beliefs: make(map[string]Belief),
		now:     time.Now,
	}
}

// SetConfig applies a reloaded configuration from the next record on.
func (t *Tracker) SetConfig(cfg config.PerformanceConfig) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Seed installs beliefs loaded at startup. Existing keys are kept.
func (t *Tracker) Seed(beliefs map[string]Belief) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, b := range beliefs {
		if _, ok := t.beliefs[k]; !ok {
			b.Key = k
			t.beliefs[k] = b
		}
	}
}

// Restore loads previously persisted records into the window without
// touching beliefs or the flush queue.
func (t *Tracker) Restore(records []Record) {
	if len(records) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		if r.validate() == nil {
			t.records = append(t.records, r.clone())
		}
	}
	sort.SliceStable(t.records, func(i, j int) bool { return t.records[i].ClosedAt.Before(t.records[j].ClosedAt) })
	if limit := t.cfg.MaxRecords; limit > 0 && len(t.records) > limit {
		t.records = append([]Record(nil), t.records[len(t.records)-limit:]...)
	}
	now := t.now()
	families := make(map[string]bool)
	for _, r := range t.records {
		if !families[r.Family] {
			families[r.Family] = true
			t.refresh(r.Family, now)
		}
		if r.Regime != "" {
			t.refreshRegime(r.Family, r)
		}
	}
}

// RecordClose appends a copy of rec, refreshes the family and family|regime
// metrics and updates every parameter belief the trade referenced.
func (t *Tracker) RecordClose(rec Record) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, types.NewError(types.KindValidationFailure, rec.Instrument, err)
	}
	rec = rec.clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = t.now()
	}
	if rec.Outcome == "" {
		rec.Outcome = Classify(rec.Return)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	if limit := t.cfg.MaxRecords; limit > 0 && len(t.records) > limit {
		t.records = append([]Record(nil), t.records[len(t.records)-limit:]...)
	}
	t.pending = append(t.pending, rec)
	if limit := t.cfg.MaxRecords; limit > 0 && len(t.pending) > limit {
		t.pending = t.pending[len(t.pending)-limit:]
	}

	t.refresh(rec.Family, rec.ClosedAt)
	if rec.Regime != "" {
		t.refreshRegime(rec.Family, rec)
	}

	ev := Evidence(rec)
	for _, key := range rec.ParamKeys {
		used, ok := rec.Params[key]
		if !ok {
			continue
		}
		t.learn(key, used, ev, rec.ClosedAt)
		if t.cfg.RegimeKeyed && rec.Regime != "" {
			t.learn(RegimeKey(key, rec.Regime), used, ev, rec.ClosedAt)
		}
	}
	t.dirty = true
	logger.Debugf("PerformanceTracker: %s %s %s return=%.4f", rec.Family, rec.Instrument, rec.Outcome, rec.Return)
	return rec.clone(), nil
}

func (t *Tracker) learn(key string, used, ev float64, at time.Time) {
	b := t.beliefs[key]
	b.Key = key
	t.beliefs[key] = b.update(used, ev, t.cfg.LearningRate, at)
}

// windowed returns records matching keep and closed within the tracking
// period ending at now, oldest first.
func (t *Tracker) windowed(now time.Time, keep func(Record) bool) []Record {
	from := now.Add(-t.cfg.TrackingPeriod())
	var out []Record
	for _, r := range t.records {
		if r.ClosedAt.Before(from) || !keep(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (t *Tracker) refresh(family string, now time.Time) {
	recs := t.windowed(now, func(r Record) bool { return r.Family == family })
	m := Compute(family, recs)
	m.UpdatedAt = now
	t.metrics[family] = m
}

func (t *Tracker) refreshRegime(family string, rec Record) {
	key := RegimeKey(family, rec.Regime)
	recs := t.windowed(rec.ClosedAt, func(r Record) bool { return r.Family == family && r.Regime == rec.Regime })
	m := Compute(key, recs)
	m.UpdatedAt = rec.ClosedAt
	t.metrics[key] = m
}

// Metrics returns the metrics for a family or family|regime key.
func (t *Tracker) Metrics(key string) (Metrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[key]
	return m, ok
}

// AllMetrics returns every bucket sorted by key.
func (t *Tracker) AllMetrics() []Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Metrics, 0, len(t.metrics))
	for _, m := range t.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Records returns a copy of the rolling window.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, len(t.records))
	for i, r := range t.records {
		out[i] = r.clone()
	}
	return out
}

// RecentWinRate is the win rate of the last degradation_window records. ok
// is false until that many exist.
func (t *Tracker) RecentWinRate() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.cfg.DegradationWindow
	if n <= 0 || len(t.records) < n {
		return 0, false
	}
	return Compute("", t.records[len(t.records)-n:]).WinRate, true
}

// Snapshot freezes the current beliefs and family edges.
func (t *Tracker) Snapshot() *BeliefSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := &BeliefSnapshot{
		beliefs: make(map[string]Belief, len(t.beliefs)),
		edges:   make(map[string]risk.Edge),
		at:      t.now(),
		period:  t.cfg.TrackingPeriod(),
	}
	for k, b := range t.beliefs {
		snap.beliefs[k] = b
	}
	for key, m := range t.metrics {
		if m.Count == 0 || isRegimeKey(key) {
			continue
		}
		snap.edges[key] = risk.Edge{WinProbability: m.WinRate, AvgWin: m.AvgWin, AvgLoss: m.AvgLoss, Count: m.Count}
	}
	return snap
}

func isRegimeKey(key string) bool {
	return strings.Contains(key, "|")
}

// Flush writes records and beliefs accumulated since the last flush. Failed
// records stay queued for the next attempt.
func (t *Tracker) Flush(ctx context.Context, beliefs BeliefSaver, records RecordAppender) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	var snapshot map[string]Belief
	if t.dirty {
		snapshot = make(map[string]Belief, len(t.beliefs))
		for k, b := range t.beliefs {
			snapshot[k] = b
		}
		t.dirty = false
	}
	t.mu.Unlock()

	var firstErr error
	if records != nil && len(pending) > 0 {
		if err := records.AppendRecords(ctx, pending); err != nil {
			firstErr = fmt.Errorf("append %d records: %w", len(pending), err)
			t.mu.Lock()
			t.pending = append(pending, t.pending...)
			t.mu.Unlock()
		}
	}
	if beliefs != nil && snapshot != nil {
		if err := beliefs.SaveBeliefs(ctx, snapshot); err != nil {
			t.mu.Lock()
			t.dirty = true
			t.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("save %d beliefs: %w", len(snapshot), err)
			}
		}
	}
	if firstErr == nil && (len(pending) > 0 || snapshot != nil) {
		logger.Debugf("PerformanceTracker: flushed %d records, %d beliefs", len(pending), len(snapshot))
	}
	return firstErr
}

// RunFlusher flushes every flush_interval until ctx is done, then once more.
func (t *Tracker) RunFlusher(ctx context.Context, beliefs BeliefSaver, records RecordAppender) {
	t.mu.RLock()
	interval := time.Duration(t.cfg.FlushIntervalSeconds) * time.Second
	t.mu.RUnlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.Flush(final, beliefs, records); err != nil {
				logger.Warnf("PerformanceTracker: final flush failed: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.Flush(ctx, beliefs, records); err != nil {
				logger.Warnf("PerformanceTracker: flush failed: %v", err)
			}
		}
	}
}
