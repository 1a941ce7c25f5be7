package config

import (
	"strings"
	"time"
)

// Config is the root configuration. A loaded Config is treated as immutable;
// hot reload produces a new value with a higher Version.
type Config struct {
	App         AppConfig          `toml:"app"`
	Engine      EngineConfig       `toml:"engine"`
	Market      MarketConfig       `toml:"market"`
	Instruments []InstrumentConfig `toml:"instruments" validate:"dive"`
	Regime      RegimeConfig       `toml:"regime"`
	Generator   GeneratorConfig    `toml:"generator"`
	Coordinator CoordinatorConfig  `toml:"coordinator"`
	Risk        RiskConfig         `toml:"risk"`
	Performance PerformanceConfig  `toml:"performance"`
	Store       StoreConfig        `toml:"store"`
	Notify      NotifyConfig       `toml:"notify"`
	Venue       VenueConfig        `toml:"venue"`
	Metrics     MetricsConfig      `toml:"metrics"`
	HTTP        HTTPConfig         `toml:"http"`

	Version  int64     `toml:"-"`
	LoadedAt time.Time `toml:"-"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogPath       string `toml:"log_path"`
	LogJSON       bool   `toml:"log_json"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups int    `toml:"log_max_backups" validate:"gte=0"`
	LogMaxAgeDays int    `toml:"log_max_age_days" validate:"gte=0"`
}

// EngineConfig controls the evaluation cycle. DryRun forces the paper venue
// whatever venue.mode says.
type EngineConfig struct {
	CycleIntervalSeconds   int  `toml:"cycle_interval_seconds" validate:"gt=0"`
	CycleTimeoutSeconds    int  `toml:"cycle_timeout_seconds" validate:"gt=0"`
	ExternalTimeoutSeconds int  `toml:"external_timeout_seconds" validate:"gt=0"`
	HistoryWindow          int  `toml:"history_window" validate:"gte=20,lte=5000"`
	RunImmediately         bool `toml:"run_immediately"`
	DryRun                 bool `toml:"dry_run"`
	VenueFailureThreshold  int  `toml:"venue_failure_threshold" validate:"gt=0"`
	VenueCooldownSeconds   int  `toml:"venue_cooldown_seconds" validate:"gt=0"`
	// ReplayPath feeds candles from a JSON file instead of a live provider.
	ReplayPath string `toml:"replay_path"`
	// ReplayBars sizes the generated random walk when no replay file is set.
	ReplayBars int   `toml:"replay_bars" validate:"gte=0"`
	ReplaySeed int64 `toml:"replay_seed"`
}

func (e EngineConfig) CycleInterval() time.Duration {
	return time.Duration(e.CycleIntervalSeconds) * time.Second
}

func (e EngineConfig) CycleTimeout() time.Duration {
	return time.Duration(e.CycleTimeoutSeconds) * time.Second
}

func (e EngineConfig) ExternalTimeout() time.Duration {
	return time.Duration(e.ExternalTimeoutSeconds) * time.Second
}

// MarketConfig selects where candles come from.
type MarketConfig struct {
	// Source is "replay" (file or generated walk) or "binance" (REST klines).
	Source             string `toml:"source" validate:"oneof=replay binance"`
	Interval           string `toml:"interval"`
	RESTBaseURL        string `toml:"rest_base_url"`
	ProxyURL           string `toml:"proxy_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds" validate:"gte=0"`
	// RefreshBars is how many recent bars each cycle refetches.
	RefreshBars int `toml:"refresh_bars" validate:"gte=0"`
}

func (m MarketConfig) HTTPTimeout() time.Duration {
	return time.Duration(m.HTTPTimeoutSeconds) * time.Second
}

type InstrumentConfig struct {
	ID       string `toml:"id" validate:"required"`
	Sector   string `toml:"sector"`
	Currency string `toml:"currency"`
}

// RegimeConfig tunes the classifier ensemble.
type RegimeConfig struct {
	MinWindow         int      `toml:"min_window" validate:"gte=5"`
	DefaultConfidence float64  `toml:"default_confidence" validate:"gt=0,lte=1"`
	ChangeThreshold   float64  `toml:"change_threshold" validate:"gt=0,lte=2"`
	StabilityStep     float64  `toml:"stability_step" validate:"gt=0,lte=1"`
	ConfidenceCap     float64  `toml:"confidence_cap" validate:"gt=0,lte=1"`
	Classifiers       []string `toml:"classifiers"`
}

// GeneratorConfig tunes trigger candidate generation.
type GeneratorConfig struct {
	Strategies          []string `toml:"strategies"`
	OptimizationMethod  string   `toml:"optimization_method" validate:"oneof=grid bayesian genetic gradient"`
	OptimizerIterations int      `toml:"optimizer_iterations" validate:"gt=0"`
	MinSampleSize       int      `toml:"min_sample_size" validate:"gt=1"`
	MaxPValue           float64  `toml:"max_p_value" validate:"gt=0,lt=1"`
	TopN                int      `toml:"top_n" validate:"gt=0"`
	ForwardBars         int      `toml:"forward_bars" validate:"gt=0"`
	TemplatesPath       string   `toml:"templates_path"`
	Seed                int64    `toml:"seed"`
}

// CoordinatorConfig bounds cross-instrument selection.
type CoordinatorConfig struct {
	MaxCorrelation         float64            `toml:"max_correlation" validate:"gt=0,lte=1"`
	MaxConcurrentPositions int                `toml:"max_concurrent_positions" validate:"gt=0"`
	CorrelationMethod      string             `toml:"correlation_method" validate:"oneof=pearson spearman"`
	CorrelationWindow      int                `toml:"correlation_window" validate:"gte=10"`
	HighCorrelation        float64            `toml:"high_correlation" validate:"gt=0,lte=1"`
	LowCorrelation         float64            `toml:"low_correlation" validate:"gte=0,lte=1"`
	ConsistencyThreshold   float64            `toml:"consistency_threshold" validate:"gt=0,lte=1"`
	DefaultSectorLimit     float64            `toml:"default_sector_limit" validate:"gt=0,lte=1"`
	SectorLimits           map[string]float64 `toml:"sector_limits"`
	PairsEnabled           bool               `toml:"pairs_enabled"`
	RotationEnabled        bool               `toml:"rotation_enabled"`
	HedgeEnabled           bool               `toml:"hedge_enabled"`
	HedgeInstruments       map[string]string  `toml:"hedge_instruments"`
	PairsCorrelation       float64            `toml:"pairs_correlation" validate:"gt=0,lte=1"`
	PairsZScore            float64            `toml:"pairs_zscore" validate:"gt=0"`
	RotationSpread         float64            `toml:"rotation_spread" validate:"gt=0"`
}

// SectorLimit returns the configured exposure cap for a sector.
func (c CoordinatorConfig) SectorLimit(sector string) float64 {
	if v, ok := c.SectorLimits[strings.ToLower(strings.TrimSpace(sector))]; ok && v > 0 {
		return v
	}
	return c.DefaultSectorLimit
}

// RiskConfig holds sizing inputs, hard constraints and breaker thresholds.
// Sizes are fractions of equity.
type RiskConfig struct {
	SizingMethod              string    `toml:"sizing_method" validate:"oneof=risk_parity fixed_fractional"`
	InitialEquity             float64   `toml:"initial_equity" validate:"gt=0"`
	TargetRisk                float64   `toml:"target_risk" validate:"gt=0,lte=1"`
	BasePercent               float64   `toml:"base_percent" validate:"gt=0,lte=1"`
	KellyEnabled              bool      `toml:"kelly_enabled"`
	KellyFractionLimit        float64   `toml:"kelly_fraction_limit" validate:"gt=0,lte=1"`
	VolTargetEnabled          bool      `toml:"vol_target_enabled"`
	TargetVolatility          float64   `toml:"target_volatility" validate:"gt=0"`
	CorrelationPenaltyEnabled bool      `toml:"correlation_penalty_enabled"`
	MaxSinglePosition         float64   `toml:"max_single_position" validate:"gt=0,lte=1"`
	MaxCorrelatedPosition     float64   `toml:"max_correlated_position" validate:"gt=0,lte=1"`
	MaxPortfolioHeat          float64   `toml:"max_portfolio_heat" validate:"gt=0,lte=1"`
	MaxTotalRisk              float64   `toml:"max_total_risk" validate:"gt=0,lte=1"`
	MinPositionSize           float64   `toml:"min_position_size" validate:"gte=0"`
	CircuitBreakerThreshold   float64   `toml:"circuit_breaker_threshold" validate:"gt=0,lt=1"`
	RecoveryThreshold         float64   `toml:"recovery_threshold" validate:"gte=0,lt=1"`
	StopATRMultiple           float64   `toml:"stop_atr_multiple" validate:"gt=0"`
	StopTimeDecayMinutes      int       `toml:"stop_time_decay_minutes" validate:"gt=0"`
	TakeProfitATR             []float64 `toml:"take_profit_atr" validate:"dive,gt=0"`
	TakeProfitWeights         []float64 `toml:"take_profit_weights" validate:"dive,gt=0"`
	ConcentrationWarning      float64   `toml:"concentration_warning" validate:"gt=0,lte=1"`
	WinRateWarning            float64   `toml:"win_rate_warning" validate:"gte=0,lte=1"`
	DrawdownWarning           float64   `toml:"drawdown_warning" validate:"gt=0,lt=1"`
}

// PerformanceConfig controls the feedback loop.
type PerformanceConfig struct {
	TrackingPeriodHours  int     `toml:"tracking_period_hours" validate:"gt=0"`
	LearningRate         float64 `toml:"learning_rate" validate:"gt=0,lte=1"`
	DegradationWindow    int     `toml:"degradation_window" validate:"gt=1"`
	FlushIntervalSeconds int     `toml:"flush_interval_seconds" validate:"gt=0"`
	MaxRecords           int     `toml:"max_records" validate:"gt=0"`
	RegimeKeyed          bool    `toml:"regime_keyed"`
}

func (p PerformanceConfig) TrackingPeriod() time.Duration {
	return time.Duration(p.TrackingPeriodHours) * time.Hour
}

type StoreConfig struct {
	AuditPath string      `toml:"audit_path"`
	Redis     RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr" validate:"required_if=Enabled true"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
	Prefix   string `toml:"prefix"`
}

type NotifyConfig struct {
	BufferSize int            `toml:"buffer_size" validate:"gt=0"`
	Telegram   TelegramConfig `toml:"telegram"`
	Kafka      KafkaConfig    `toml:"kafka"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
	GroupID string   `toml:"group_id"`
}

// VenueConfig selects the execution venue adapter and its event stream.
type VenueConfig struct {
	Mode   string      `toml:"mode" validate:"oneof=paper kafka"`
	Events KafkaConfig `toml:"events"`
}

type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// InstrumentIDs lists configured instruments in declaration order.
func (c *Config) InstrumentIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		if id := strings.ToUpper(strings.TrimSpace(inst.ID)); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Instrument looks up instrument metadata.
func (c *Config) Instrument(id string) (InstrumentConfig, bool) {
	if c == nil {
		return InstrumentConfig{}, false
	}
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, inst := range c.Instruments {
		if strings.ToUpper(strings.TrimSpace(inst.ID)) == id {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}

// keySet tracks the field paths set explicitly in the config file.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is the default rule for one field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
