package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/config"
	"signalcartel/internal/market"
	"signalcartel/internal/market/feed"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Instruments = []config.InstrumentConfig{
		{ID: "AAA", Sector: "crypto"},
		{ID: "BBB", Sector: "crypto"},
		{ID: "CCC", Sector: "equity"},
	}
	cfg.Engine.HistoryWindow = 120
	cfg.Engine.ReplayBars = 400
	cfg.Engine.ReplaySeed = 11
	cfg.Engine.CycleIntervalSeconds = 1
	cfg.Store.AuditPath = filepath.Join(t.TempDir(), "audit.db")
	cfg.HTTP.Enabled = false
	cfg.Notify.Telegram.Enabled = false
	cfg.Notify.Kafka.Enabled = false
	cfg.Venue.Mode = "paper"
	return cfg
}

func TestBuildAndCycle(t *testing.T) {
	src := config.StaticSource(testConfig(t))
	a, err := NewApp(src)
	require.NoError(t, err)
	t.Cleanup(a.shutdown)

	require.NotNil(t, a.market.Replay)
	start := a.market.Replay.Cursor()

	rep, err := a.Cycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.Cycle)
	assert.Len(t, rep.Instruments, 3)
	assert.Equal(t, start+1, a.market.Replay.Cursor())
	assert.EqualValues(t, 1, a.Engine().LastReport().Cycle)
}

func TestBuildWithCustomMarketStack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.AuditPath = ""
	replay := feed.RandomWalk(cfg.InstrumentIDs(), 300, 3)
	custom := func(ctx context.Context, cfg *config.Config) (*MarketStack, error) {
		buf := market.NewHistoryBuffer(cfg.Engine.HistoryWindow * 2)
		replay.Skip(cfg.Engine.HistoryWindow)
		(&feed.Warmer{Source: replay, Buffer: buf}).Warmup(ctx, cfg.InstrumentIDs(), cfg.Engine.HistoryWindow)
		return &MarketStack{
			Buffer:    buf,
			Provider:  feed.NewHistoryProvider(buf, cfg.Engine.HistoryWindow),
			Refresher: &feed.Refresher{Source: replay, Buffer: buf, Bars: 2},
			Replay:    replay,
			Source:    "fixture",
		}, nil
	}
	a, err := NewAppBuilder(config.StaticSource(cfg), WithMarketStack(custom)).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.shutdown)
	assert.Equal(t, "fixture", a.Summary.Market.Source)
	assert.Equal(t, "paper", a.Summary.Engine.Venue)

	_, err = a.Cycle(context.Background())
	require.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := NewApp(config.StaticSource(testConfig(t)))
	require.NoError(t, err)
	a.Summary = nil

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	assert.GreaterOrEqual(t, a.Engine().LastReport().Cycle, int64(1))
}

func TestNewAppRequiresConfig(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)
}
