package paramcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/config"
	"signalcartel/internal/performance"
)

func sample() map[string]performance.Belief {
	at := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	return map[string]performance.Belief{
		"momentum.rsi_period":               {Key: "momentum.rsi_period", Mean: 13.2, Count: 8, Wins: 5, Losses: 3, LastUpdated: at},
		"momentum.rsi_period|trending_bull": {Key: "momentum.rsi_period|trending_bull", Mean: 12, Count: 3, LastUpdated: at},
	}
}

func TestEncodeDecode(t *testing.T) {
	fields, err := encodeBeliefs(sample())
	require.NoError(t, err)
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = string(v.([]byte))
	}
	raw["broken"] = "{"

	got := decodeBeliefs(raw)
	assert.Len(t, got, 2)
	assert.Equal(t, 13.2, got["momentum.rsi_period"].Mean)
	assert.Equal(t, 5, got["momentum.rsi_period"].Wins)
	assert.NotContains(t, got, "broken")
}

func TestHashKey(t *testing.T) {
	assert.Equal(t, "signalcartel:beliefs", hashKey(""))
	assert.Equal(t, "desk1:beliefs", hashKey("desk1:"))
}

func TestMemoryStore(t *testing.T) {
	s, err := Open(config.RedisConfig{})
	require.NoError(t, err)
	mem := s.(*Memory)
	ctx := context.Background()
	require.NoError(t, mem.SaveBeliefs(ctx, sample()))
	got, err := mem.LoadBeliefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
	assert.Equal(t, []string{"momentum.rsi_period", "momentum.rsi_period|trending_bull"}, mem.Keys())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SIGNALCARTEL_REDIS_ADDR")
	if addr == "" {
		t.Skip("SIGNALCARTEL_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(config.RedisConfig{Enabled: true, Addr: addr, Prefix: "signalcartel-test-" + time.Now().Format("150405.000")})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	defer s.client.Del(ctx, s.key)

	require.NoError(t, s.SaveBeliefs(ctx, sample()))
	got, err := s.LoadBeliefs(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 8, got["momentum.rsi_period"].Count)
	assert.True(t, sample()["momentum.rsi_period"].LastUpdated.Equal(got["momentum.rsi_period"].LastUpdated))
}
