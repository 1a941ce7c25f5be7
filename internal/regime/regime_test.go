package regime

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/analysis/indicator"
	"signalcartel/internal/config"
	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

type MockClassifier struct {
	mock.Mock
	name string
}

func (m *MockClassifier) Name() string { return m.name }

func (m *MockClassifier) Classify(ctx context.Context, f Features, snap market.Snapshot) (Classification, error) {
	args := m.Called(ctx, f, snap)
	return args.Get(0).(Classification), args.Error(1)
}

func regimeCfg() config.RegimeConfig {
	return config.Default().Regime
}

func buildSnapshot(t *testing.T, closes []float64) market.Snapshot {
	t.Helper()
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		candles[i] = market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    100 + float64(i%7),
		}
	}
	bundle, err := indicator.Compute(candles, indicator.DefaultSettings())
	require.NoError(t, err)
	return market.NewSnapshot(market.SnapshotInput{
		Instrument: "btcusdt",
		History:    candles,
		Indicators: bundle,
		Quality:    1,
	})
}

func flatSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func trendSeries(n int, drift float64) []float64 {
	out := make([]float64, n)
	p := 100.0
	for i := range out {
		p *= 1 + drift + 0.002*math.Sin(float64(i)/3)
		out[i] = p
	}
	return out
}

func TestEnsembleFlatSeriesIsSidewaysCalm(t *testing.T) {
	ens, err := NewEnsembleFromConfig(regimeCfg())
	require.NoError(t, err)

	res := ens.Classify(context.Background(), buildSnapshot(t, flatSeries(200, 100)), regimeCfg())
	assert.Equal(t, SidewaysCalm, res.Classification.Label)
	assert.GreaterOrEqual(t, res.Classification.Confidence, 0.3)
	assert.Empty(t, res.Warnings)
}

func TestEnsembleShortWindowReturnsDefault(t *testing.T) {
	cfg := regimeCfg()
	ens, err := NewEnsembleFromConfig(cfg)
	require.NoError(t, err)

	res := ens.Classify(context.Background(), buildSnapshot(t, trendSeries(cfg.MinWindow-1, 0.001)), cfg)
	assert.Equal(t, SidewaysCalm, res.Classification.Label)
	assert.Equal(t, cfg.DefaultConfidence, res.Classification.Confidence)
	assert.Zero(t, res.Classification.Stability)
	assert.Equal(t, "default", res.Classification.Source)
	_, held := ens.Held("BTCUSDT")
	assert.False(t, held)
}

func TestEnsembleRealClassifiersProduceDistribution(t *testing.T) {
	ens, err := NewEnsembleFromConfig(regimeCfg())
	require.NoError(t, err)

	res := ens.Classify(context.Background(), buildSnapshot(t, trendSeries(200, 0.003)), regimeCfg())
	c := res.Classification
	require.True(t, c.Label.Valid())
	assert.LessOrEqual(t, c.Confidence, regimeCfg().ConfidenceCap)
	var sum float64
	for _, p := range c.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Equal(t, "BTCUSDT", c.Instrument)
}

func TestEnsembleExcludesFailingClassifier(t *testing.T) {
	good := &MockClassifier{name: "good"}
	bad := &MockClassifier{name: "bad"}
	good.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{Label: TrendingBull, Confidence: 0.8}, nil)
	bad.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{}, errors.New("model offline"))

	ens := NewEnsemble(good, bad)
	res := ens.Classify(context.Background(), buildSnapshot(t, trendSeries(120, 0.002)), regimeCfg())

	assert.Equal(t, TrendingBull, res.Classification.Label)
	assert.InDelta(t, 0.8, res.Classification.Confidence, 1e-9)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, types.KindStaleClassifier, res.Warnings[0].Kind)
	assert.Contains(t, res.Warnings[0].Message, "bad")
	good.AssertExpectations(t)
	bad.AssertExpectations(t)
}

func TestEnsemblePanickingClassifierBecomesWarning(t *testing.T) {
	good := &MockClassifier{name: "good"}
	good.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{Label: SidewaysChoppy, Confidence: 0.5}, nil)
	boom := &MockClassifier{name: "boom"}
	boom.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("index out of range") })

	res := NewEnsemble(good, boom).Classify(context.Background(), buildSnapshot(t, trendSeries(120, 0.002)), regimeCfg())
	assert.Equal(t, SidewaysChoppy, res.Classification.Label)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "panic")
}

func TestEnsembleAllFailingKeepsHeld(t *testing.T) {
	cls := &MockClassifier{name: "only"}
	cls.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{Label: TrendingBear, Confidence: 0.7}, nil).Once()
	cls.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{}, errors.New("timeout"))

	ens := NewEnsemble(cls)
	snap := buildSnapshot(t, trendSeries(120, -0.002))
	first := ens.Classify(context.Background(), snap, regimeCfg())
	require.Equal(t, TrendingBear, first.Classification.Label)

	second := ens.Classify(context.Background(), snap, regimeCfg())
	assert.Equal(t, TrendingBear, second.Classification.Label)
	assert.Equal(t, first.Classification.Confidence, second.Classification.Confidence)
	require.Len(t, second.Warnings, 1)
	assert.Equal(t, types.KindStaleClassifier, second.Warnings[0].Kind)
}

func TestEnsembleLateProposalLeavesHeld(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cls := &MockClassifier{name: "slow"}
	cls.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(Classification{Label: TrendingBear, Confidence: 0.7}, nil).Once()
	// the cycle deadline passes while the classifier is still working
	cls.On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(Classification{Label: BreakoutBull, Confidence: 0.95}, nil)

	ens := NewEnsemble(cls)
	snap := buildSnapshot(t, trendSeries(120, -0.002))
	first := ens.Classify(ctx, snap, regimeCfg())
	require.Equal(t, TrendingBear, first.Classification.Label)
	held, ok := ens.Held(snap.Instrument)
	require.True(t, ok)

	late := ens.Classify(ctx, snap, regimeCfg())
	assert.Equal(t, TrendingBear, late.Classification.Label)
	assert.False(t, late.Changed)
	require.NotEmpty(t, late.Warnings)
	assert.Equal(t, types.KindCycleTimeout, late.Warnings[len(late.Warnings)-1].Kind)

	after, ok := ens.Held(snap.Instrument)
	require.True(t, ok)
	assert.Equal(t, held, after)
	cls.AssertNumberOfCalls(t, "Classify", 2)
}

func TestApplyIsIdempotent(t *testing.T) {
	cfg := regimeCfg()
	features := Features{Bars: 100, RealizedVol: 0.01, RSI: 55}
	for _, conf := range []float64{0.2, 0.45, 0.55, 0.65, 0.9} {
		ens := NewEnsemble()
		ens.Apply("ETHUSDT", Classification{Label: SidewaysCalm, Confidence: 0.6}, features, cfg)

		proposal := Classification{Label: BreakoutBull, Confidence: conf}
		shifted := features
		shifted.Breakout = 2
		first := ens.Apply("ETHUSDT", proposal, shifted, cfg)
		second := ens.Apply("ETHUSDT", proposal, shifted, cfg)
		assert.Equal(t, first.Classification.Label, second.Classification.Label, "confidence %.2f", conf)
		assert.False(t, second.Changed, "confidence %.2f", conf)
		assert.GreaterOrEqual(t, second.Classification.Stability, first.Classification.Stability)
	}
}

func TestApplyChangeValidation(t *testing.T) {
	cfg := regimeCfg()
	ens := NewEnsemble()
	var changes []Label
	ens.OnChange(func(prev, next Classification) {
		changes = append(changes, next.Label)
		assert.Equal(t, SidewaysCalm, prev.Label)
	})
	f := Features{Bars: 100, RealizedVol: 0.01, RSI: 50}
	ens.Apply("SOLUSDT", Classification{Label: SidewaysCalm, Confidence: 0.6}, f, cfg)

	weak := ens.Apply("SOLUSDT", Classification{Label: SidewaysChoppy, Confidence: 0.5}, f, cfg)
	assert.False(t, weak.Changed)
	assert.Equal(t, SidewaysCalm, weak.Classification.Label)
	assert.InDelta(t, cfg.StabilityStep, weak.Classification.Stability, 1e-9)

	strong := ens.Apply("SOLUSDT", Classification{Label: TrendingBear, Confidence: 0.8}, f, cfg)
	assert.True(t, strong.Changed)
	assert.Equal(t, TrendingBear, strong.Classification.Label)
	assert.Zero(t, strong.Classification.Stability)
	assert.Equal(t, []Label{TrendingBear}, changes)
}

func TestStabilityIsCapped(t *testing.T) {
	cfg := regimeCfg()
	ens := NewEnsemble()
	var last Result
	for i := 0; i < 30; i++ {
		last = ens.Apply("X", Classification{Label: TrendingBull, Confidence: 0.7}, Features{}, cfg)
	}
	assert.Equal(t, 1.0, last.Classification.Stability)
	assert.Equal(t, expectedDuration(TrendingBull, 1), last.Classification.ExpectedDuration)
}

func TestVoteWeightsAgreement(t *testing.T) {
	out := Vote([]Classification{
		{Label: TrendingBull, Confidence: 0.8},
		{Label: TrendingBull, Confidence: 0.8},
		{Label: TrendingBear, Confidence: 0.5},
	}, 0.95)
	assert.Equal(t, TrendingBull, out.Label)
	assert.InDelta(t, 0.7*2/3, out.Confidence, 1e-9)
	assert.InDelta(t, 1.6/2.1, out.Probabilities[TrendingBull], 1e-9)

	capped := Vote([]Classification{{Label: VolatileUp, Confidence: 0.99}}, 0.95)
	assert.Equal(t, 0.95, capped.Confidence)
}

func TestSimilarityTable(t *testing.T) {
	for _, a := range AllLabels {
		assert.Equal(t, 1.0, Similarity(a, a))
		for _, b := range AllLabels {
			s := Similarity(a, b)
			assert.Equal(t, s, Similarity(b, a), "%s/%s", a, b)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestChangeConfidence(t *testing.T) {
	held := Classification{Label: TrendingBull, Stability: 0.2}
	proposed := Classification{Label: TrendingBear, Confidence: 0.6}
	want := 0.6 + 0.1 - 0.3*Similarity(TrendingBull, TrendingBear) + 0.2
	assert.InDelta(t, want, ChangeConfidence(held, proposed, 5), 1e-9)

	held.Stability = 0.9
	assert.InDelta(t, want-0.1-0.2, ChangeConfidence(held, proposed, 0), 1e-9)
}

func TestBuildClassifiers(t *testing.T) {
	cls, err := BuildClassifiers([]string{"microstructure", "Change_Point", "microstructure"})
	require.NoError(t, err)
	require.Len(t, cls, 2)
	assert.Equal(t, "change_point", cls[0].Name())

	_, err = BuildClassifiers([]string{"neural"})
	assert.Error(t, err)
	_, err = BuildClassifiers(nil)
	assert.Error(t, err)
}

func TestChangeMagnitudeBounds(t *testing.T) {
	a := Features{RSI: 50}
	assert.Zero(t, ChangeMagnitude(a, a))
	b := Features{RSI: 90, Slope: 1, ADX: 80, Breakout: 5, RelVolume: 10}
	m := ChangeMagnitude(a, b)
	assert.Greater(t, m, 0.0)
	assert.LessOrEqual(t, m, 1.0)
}

func TestMicrostructureRejectsLowQuality(t *testing.T) {
	_, err := NewMicrostructureClassifier().Classify(context.Background(), Features{Quality: 0.1}, market.Snapshot{Instrument: "X"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindStaleClassifier))
}
