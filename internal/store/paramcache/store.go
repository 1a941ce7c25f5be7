// Package paramcache keeps learned parameter beliefs across restarts.
package paramcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/performance"
)

type Store interface {
	SaveBeliefs(ctx context.Context, beliefs map[string]performance.Belief) error
	LoadBeliefs(ctx context.Context) (map[string]performance.Belief, error)
	Close() error
}

// RedisStore keeps all beliefs in one hash, one JSON field per key.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		PoolTimeout:  10 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, key: hashKey(cfg.Prefix)}, nil
}

func hashKey(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "signalcartel"
	}
	return prefix + ":beliefs"
}

func (s *RedisStore) SaveBeliefs(ctx context.Context, beliefs map[string]performance.Belief) error {
	if len(beliefs) == 0 {
		return nil
	}
	fields, err := encodeBeliefs(beliefs)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, fields).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) LoadBeliefs(ctx context.Context) (map[string]performance.Belief, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return map[string]performance.Belief{}, nil
		}
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	return decodeBeliefs(raw), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeBeliefs(beliefs map[string]performance.Belief) (map[string]any, error) {
	fields := make(map[string]any, len(beliefs))
	for k, b := range beliefs {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal belief %s: %w", k, err)
		}
		fields[k] = data
	}
	return fields, nil
}

// decodeBeliefs skips undecodable fields.
func decodeBeliefs(raw map[string]string) map[string]performance.Belief {
	out := make(map[string]performance.Belief, len(raw))
	for k, v := range raw {
		var b performance.Belief
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			logger.Warnf("ParamCache: skip belief %s: %v", k, err)
			continue
		}
		b.Key = k
		out[k] = b
	}
	return out
}

// Memory is the in-process store used when Redis is disabled.
type Memory struct {
	mu      sync.RWMutex
	beliefs map[string]performance.Belief
}

func NewMemory() *Memory {
	return &Memory{beliefs: make(map[string]performance.Belief)}
}

func (m *Memory) SaveBeliefs(_ context.Context, beliefs map[string]performance.Belief) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, b := range beliefs {
		m.beliefs[k] = b
	}
	return nil
}

func (m *Memory) LoadBeliefs(context.Context) (map[string]performance.Belief, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]performance.Belief, len(m.beliefs))
	for k, b := range m.beliefs {
		out[k] = b
	}
	return out, nil
}

// Keys lists stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.beliefs))
	for k := range m.beliefs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Close() error { return nil }

// Open returns the Redis store when enabled, otherwise memory.
func Open(cfg config.RedisConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	return NewRedisStore(cfg)
}
