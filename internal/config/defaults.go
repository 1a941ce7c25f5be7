package config

import (
	"strings"

	"signalcartel/internal/pkg/symbol"
)

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppLogPath  = "/data/logs/signalcartel.log"

	defaultCycleIntervalSeconds   = 30
	defaultCycleTimeoutSeconds    = 20
	defaultExternalTimeoutSeconds = 5
	defaultHistoryWindow          = 300
	defaultVenueFailureThreshold  = 5
	defaultVenueCooldownSeconds   = 120
	defaultReplayBars             = 600
	defaultMarketSource           = "replay"
	defaultMarketInterval         = "1m"
	defaultMarketHTTPTimeout      = 15
	defaultRefreshBars            = 5

	defaultRegimeMinWindow         = 50
	defaultRegimeConfidence        = 0.3
	defaultRegimeChangeThreshold   = 0.6
	defaultRegimeStabilityStep     = 0.1
	defaultRegimeConfidenceCap     = 0.95
	defaultOptimizationMethod      = "bayesian"
	defaultOptimizerIterations     = 40
	defaultMinSampleSize           = 30
	defaultMaxPValue               = 0.05
	defaultTopN                    = 10
	defaultForwardBars             = 10
	defaultMaxCorrelation          = 0.7
	defaultMaxConcurrentPositions  = 5
	defaultCorrelationMethod       = "pearson"
	defaultCorrelationWindow       = 100
	defaultHighCorrelation         = 0.6
	defaultLowCorrelation          = 0.3
	defaultConsistencyThreshold    = 0.7
	defaultSectorLimit             = 0.4
	defaultPairsCorrelation        = 0.8
	defaultPairsZScore             = 2.0
	defaultRotationSpread          = 0.02
	defaultSizingMethod            = "risk_parity"
	defaultInitialEquity           = 100000
	defaultTargetRisk              = 0.01
	defaultBasePercent             = 0.02
	defaultKellyFractionLimit      = 0.25
	defaultTargetVolatility        = 0.02
	defaultMaxSinglePosition       = 0.05
	defaultMaxCorrelatedPosition   = 0.10
	defaultMaxPortfolioHeat        = 0.6
	defaultMaxTotalRisk            = 0.3
	defaultMinPositionSize         = 0.001
	defaultCircuitBreakerThreshold = 0.10
	defaultRecoveryThreshold       = 0.05
	defaultStopATRMultiple         = 2.0
	defaultStopTimeDecayMinutes    = 240
	defaultConcentrationWarning    = 0.5
	defaultWinRateWarning          = 0.4
	defaultDrawdownWarning         = 0.15
	defaultTrackingPeriodHours     = 720
	defaultLearningRate            = 0.1
	defaultDegradationWindow       = 20
	defaultFlushIntervalSeconds    = 300
	defaultMaxRecords              = 5000
	defaultAuditPath               = "/data/db/signalcartel_audit.db"
	defaultRedisPrefix             = "signalcartel:"
	defaultNotifyBuffer            = 256
	defaultVenueMode               = "paper"
	defaultMetricsNamespace        = "signalcartel"
	defaultHTTPAddr                = ":9992"
)

var (
	defaultClassifiers       = []string{"change_point", "feature_weighted", "microstructure"}
	defaultStrategies        = []string{"mean_reversion", "momentum_breakout", "multi_timeframe", "volume_profile", "support_resistance", "pattern"}
	defaultTakeProfitATR     = []float64{1.5, 3, 5}
	defaultTakeProfitWeights = []float64{0.5, 0.3, 0.2}
)

// Default returns a fully defaulted configuration with no instruments.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(keySet{})
	return cfg
}

// applyDefaults fills every section, leaving explicitly set keys alone.
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Generator.applyDefaults(keys)
	c.Coordinator.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Performance.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Metrics.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	for i := range c.Instruments {
		inst := &c.Instruments[i]
		inst.ID = symbol.Normalize(inst.ID)
		inst.Sector = strings.ToLower(strings.TrimSpace(inst.Sector))
		inst.Currency = strings.ToUpper(strings.TrimSpace(inst.Currency))
		if inst.Currency == "" {
			inst.Currency = symbol.Quote(inst.ID)
		}
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("engine.cycle_interval_seconds", &e.CycleIntervalSeconds, defaultCycleIntervalSeconds),
		intFieldDefault("engine.cycle_timeout_seconds", &e.CycleTimeoutSeconds, defaultCycleTimeoutSeconds),
		intFieldDefault("engine.external_timeout_seconds", &e.ExternalTimeoutSeconds, defaultExternalTimeoutSeconds),
		intFieldDefault("engine.history_window", &e.HistoryWindow, defaultHistoryWindow),
		intFieldDefault("engine.venue_failure_threshold", &e.VenueFailureThreshold, defaultVenueFailureThreshold),
		intFieldDefault("engine.venue_cooldown_seconds", &e.VenueCooldownSeconds, defaultVenueCooldownSeconds),
		intFieldDefault("engine.replay_bars", &e.ReplayBars, defaultReplayBars),
		boolFieldDefault("engine.run_immediately", &e.RunImmediately, true),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.source", &m.Source, defaultMarketSource),
		stringFieldDefault("market.interval", &m.Interval, defaultMarketInterval),
		intFieldDefault("market.http_timeout_seconds", &m.HTTPTimeoutSeconds, defaultMarketHTTPTimeout),
		intFieldDefault("market.refresh_bars", &m.RefreshBars, defaultRefreshBars),
	)
	m.Source = strings.ToLower(strings.TrimSpace(m.Source))
	m.Interval = strings.ToLower(strings.TrimSpace(m.Interval))
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("regime.min_window", &r.MinWindow, defaultRegimeMinWindow),
		floatFieldDefault("regime.default_confidence", &r.DefaultConfidence, defaultRegimeConfidence),
		floatFieldDefault("regime.change_threshold", &r.ChangeThreshold, defaultRegimeChangeThreshold),
		floatFieldDefault("regime.stability_step", &r.StabilityStep, defaultRegimeStabilityStep),
		floatFieldDefault("regime.confidence_cap", &r.ConfidenceCap, defaultRegimeConfidenceCap),
		stringsFieldDefault("regime.classifiers", &r.Classifiers, defaultClassifiers),
	)
	r.Classifiers = normalizeNames(r.Classifiers)
}

func (g *GeneratorConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		stringsFieldDefault("generator.strategies", &g.Strategies, defaultStrategies),
		stringFieldDefault("generator.optimization_method", &g.OptimizationMethod, defaultOptimizationMethod),
		intFieldDefault("generator.optimizer_iterations", &g.OptimizerIterations, defaultOptimizerIterations),
		intFieldDefault("generator.min_sample_size", &g.MinSampleSize, defaultMinSampleSize),
		floatFieldDefault("generator.max_p_value", &g.MaxPValue, defaultMaxPValue),
		intFieldDefault("generator.top_n", &g.TopN, defaultTopN),
		intFieldDefault("generator.forward_bars", &g.ForwardBars, defaultForwardBars),
	)
	g.Strategies = normalizeNames(g.Strategies)
	g.OptimizationMethod = strings.ToLower(strings.TrimSpace(g.OptimizationMethod))
}

func (c *CoordinatorConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("coordinator.max_correlation", &c.MaxCorrelation, defaultMaxCorrelation),
		intFieldDefault("coordinator.max_concurrent_positions", &c.MaxConcurrentPositions, defaultMaxConcurrentPositions),
		stringFieldDefault("coordinator.correlation_method", &c.CorrelationMethod, defaultCorrelationMethod),
		intFieldDefault("coordinator.correlation_window", &c.CorrelationWindow, defaultCorrelationWindow),
		floatFieldDefault("coordinator.high_correlation", &c.HighCorrelation, defaultHighCorrelation),
		floatFieldDefault("coordinator.low_correlation", &c.LowCorrelation, defaultLowCorrelation),
		floatFieldDefault("coordinator.consistency_threshold", &c.ConsistencyThreshold, defaultConsistencyThreshold),
		floatFieldDefault("coordinator.default_sector_limit", &c.DefaultSectorLimit, defaultSectorLimit),
		floatFieldDefault("coordinator.pairs_correlation", &c.PairsCorrelation, defaultPairsCorrelation),
		floatFieldDefault("coordinator.pairs_zscore", &c.PairsZScore, defaultPairsZScore),
		floatFieldDefault("coordinator.rotation_spread", &c.RotationSpread, defaultRotationSpread),
		boolFieldDefault("coordinator.pairs_enabled", &c.PairsEnabled, true),
		boolFieldDefault("coordinator.rotation_enabled", &c.RotationEnabled, true),
		boolFieldDefault("coordinator.hedge_enabled", &c.HedgeEnabled, false),
	)
	c.CorrelationMethod = strings.ToLower(strings.TrimSpace(c.CorrelationMethod))
	if len(c.SectorLimits) > 0 {
		norm := make(map[string]float64, len(c.SectorLimits))
		for k, v := range c.SectorLimits {
			norm[strings.ToLower(strings.TrimSpace(k))] = v
		}
		c.SectorLimits = norm
	}
	if len(c.HedgeInstruments) > 0 {
		norm := make(map[string]string, len(c.HedgeInstruments))
		for k, v := range c.HedgeInstruments {
			norm[strings.ToUpper(strings.TrimSpace(k))] = strings.ToUpper(strings.TrimSpace(v))
		}
		c.HedgeInstruments = norm
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.sizing_method", &r.SizingMethod, defaultSizingMethod),
		floatFieldDefault("risk.initial_equity", &r.InitialEquity, defaultInitialEquity),
		floatFieldDefault("risk.target_risk", &r.TargetRisk, defaultTargetRisk),
		floatFieldDefault("risk.base_percent", &r.BasePercent, defaultBasePercent),
		floatFieldDefault("risk.kelly_fraction_limit", &r.KellyFractionLimit, defaultKellyFractionLimit),
		floatFieldDefault("risk.target_volatility", &r.TargetVolatility, defaultTargetVolatility),
		floatFieldDefault("risk.max_single_position", &r.MaxSinglePosition, defaultMaxSinglePosition),
		floatFieldDefault("risk.max_correlated_position", &r.MaxCorrelatedPosition, defaultMaxCorrelatedPosition),
		floatFieldDefault("risk.max_portfolio_heat", &r.MaxPortfolioHeat, defaultMaxPortfolioHeat),
		floatFieldDefault("risk.max_total_risk", &r.MaxTotalRisk, defaultMaxTotalRisk),
		floatFieldDefault("risk.min_position_size", &r.MinPositionSize, defaultMinPositionSize),
		floatFieldDefault("risk.circuit_breaker_threshold", &r.CircuitBreakerThreshold, defaultCircuitBreakerThreshold),
		floatFieldDefault("risk.recovery_threshold", &r.RecoveryThreshold, defaultRecoveryThreshold),
		floatFieldDefault("risk.stop_atr_multiple", &r.StopATRMultiple, defaultStopATRMultiple),
		intFieldDefault("risk.stop_time_decay_minutes", &r.StopTimeDecayMinutes, defaultStopTimeDecayMinutes),
		floatsFieldDefault("risk.take_profit_atr", &r.TakeProfitATR, defaultTakeProfitATR),
		floatsFieldDefault("risk.take_profit_weights", &r.TakeProfitWeights, defaultTakeProfitWeights),
		floatFieldDefault("risk.concentration_warning", &r.ConcentrationWarning, defaultConcentrationWarning),
		floatFieldDefault("risk.win_rate_warning", &r.WinRateWarning, defaultWinRateWarning),
		floatFieldDefault("risk.drawdown_warning", &r.DrawdownWarning, defaultDrawdownWarning),
		boolFieldDefault("risk.kelly_enabled", &r.KellyEnabled, true),
		boolFieldDefault("risk.vol_target_enabled", &r.VolTargetEnabled, true),
		boolFieldDefault("risk.correlation_penalty_enabled", &r.CorrelationPenaltyEnabled, true),
	)
	r.SizingMethod = strings.ToLower(strings.TrimSpace(r.SizingMethod))
}

func (p *PerformanceConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("performance.tracking_period_hours", &p.TrackingPeriodHours, defaultTrackingPeriodHours),
		floatFieldDefault("performance.learning_rate", &p.LearningRate, defaultLearningRate),
		intFieldDefault("performance.degradation_window", &p.DegradationWindow, defaultDegradationWindow),
		intFieldDefault("performance.flush_interval_seconds", &p.FlushIntervalSeconds, defaultFlushIntervalSeconds),
		intFieldDefault("performance.max_records", &p.MaxRecords, defaultMaxRecords),
		boolFieldDefault("performance.regime_keyed", &p.RegimeKeyed, true),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.audit_path", &s.AuditPath, defaultAuditPath),
		stringFieldDefault("store.redis.prefix", &s.Redis.Prefix, defaultRedisPrefix),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("notify.buffer_size", &n.BufferSize, defaultNotifyBuffer),
		stringFieldDefault("notify.kafka.topic", &n.Kafka.Topic, "signalcartel.alerts"),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("venue.mode", &v.Mode, defaultVenueMode),
		stringFieldDefault("venue.events.topic", &v.Events.Topic, "signalcartel.fills"),
		stringFieldDefault("venue.events.group_id", &v.Events.GroupID, "signalcartel-core"),
	)
	v.Mode = strings.ToLower(strings.TrimSpace(v.Mode))
}

func (m *MetricsConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("metrics.enabled", &m.Enabled, true),
		stringFieldDefault("metrics.namespace", &m.Namespace, defaultMetricsNamespace),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatsFieldDefault(key string, target *[]float64, def []float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && len(*target) == 0 },
		apply: func() { *target = append([]float64(nil), def...) },
	}
}

func stringsFieldDefault(key string, target *[]string, def []string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && len(*target) == 0 },
		apply: func() { *target = append([]string(nil), def...) },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func normalizeNames(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, name := range list {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
