package market

import (
	"errors"
	"strings"
	"sync"
)

// HistoryBuffer keeps a bounded candle history per instrument, sharded by key
// to keep writers for different instruments off the same lock.
type HistoryBuffer struct {
	max    int
	shards []historyShard
}

type historyShard struct {
	mu   sync.RWMutex
	data map[string][]Candle
}

const defaultShardCount = 32

func NewHistoryBuffer(max int) *HistoryBuffer {
	if max <= 0 {
		max = 500
	}
	out := &HistoryBuffer{max: max, shards: make([]historyShard, defaultShardCount)}
	for i := range out.shards {
		out.shards[i] = historyShard{data: make(map[string][]Candle)}
	}
	return out
}

func (b *HistoryBuffer) shardFor(key string) *historyShard {
	idx := hashKey(key) % uint32(len(b.shards))
	return &b.shards[idx]
}

func normalizeInstrument(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Put appends candles, replacing the last one when open times match, and
// trims to the buffer bound.
func (b *HistoryBuffer) Put(instrument string, ks ...Candle) error {
	k := normalizeInstrument(instrument)
	if k == "" {
		return errors.New("instrument cannot be empty")
	}
	if len(ks) == 0 {
		return nil
	}
	sh := b.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur := sh.data[k]
	for _, candle := range ks {
		n := len(cur)
		if n > 0 && cur[n-1].OpenTime == candle.OpenTime {
			cur[n-1] = candle
			continue
		}
		cur = append(cur, candle)
	}
	if len(cur) > b.max {
		cur = append([]Candle(nil), cur[len(cur)-b.max:]...)
	}
	sh.data[k] = cur
	return nil
}

// Last returns a copy of the most recent limit candles (all when limit <= 0).
func (b *HistoryBuffer) Last(instrument string, limit int) []Candle {
	k := normalizeInstrument(instrument)
	sh := b.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	cur := sh.data[k]
	if limit <= 0 || limit > len(cur) {
		limit = len(cur)
	}
	out := make([]Candle, limit)
	copy(out, cur[len(cur)-limit:])
	return out
}

// Len reports the stored history length.
func (b *HistoryBuffer) Len(instrument string) int {
	k := normalizeInstrument(instrument)
	sh := b.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.data[k])
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
