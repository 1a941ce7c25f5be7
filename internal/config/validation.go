package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	structCheck   *validator.Validate
)

func structValidator() *validator.Validate {
	validatorOnce.Do(func() {
		structCheck = validator.New(validator.WithRequiredStructEnabled())
		structCheck.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structCheck
}

// validate runs the struct tag checks first, then the cross-field checks.
func validate(c *Config) error {
	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s failed %q (value=%v)", trimNamespace(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.validateInstruments(); err != nil {
		return err
	}
	if err := c.Coordinator.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if c.Engine.CycleTimeoutSeconds > c.Engine.CycleIntervalSeconds {
		return fmt.Errorf("engine.cycle_timeout_seconds (%d) must not exceed engine.cycle_interval_seconds (%d)",
			c.Engine.CycleTimeoutSeconds, c.Engine.CycleIntervalSeconds)
	}
	return nil
}

func trimNamespace(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func (c *Config) validateInstruments() error {
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if seen[inst.ID] {
			return fmt.Errorf("instruments contains duplicate id %s", inst.ID)
		}
		seen[inst.ID] = true
	}
	return nil
}

func (c *CoordinatorConfig) validate() error {
	if c.LowCorrelation >= c.HighCorrelation {
		return fmt.Errorf("coordinator.low_correlation must be < coordinator.high_correlation")
	}
	for sector, limit := range c.SectorLimits {
		if limit <= 0 || limit > 1 {
			return fmt.Errorf("coordinator.sector_limits.%s must be in (0, 1]", sector)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.RecoveryThreshold >= r.CircuitBreakerThreshold {
		return fmt.Errorf("risk.recovery_threshold must be < risk.circuit_breaker_threshold")
	}
	if r.MaxSinglePosition > r.MaxCorrelatedPosition {
		return fmt.Errorf("risk.max_single_position must be <= risk.max_correlated_position")
	}
	if r.MinPositionSize >= r.MaxSinglePosition {
		return fmt.Errorf("risk.min_position_size must be < risk.max_single_position")
	}
	if len(r.TakeProfitATR) != len(r.TakeProfitWeights) {
		return fmt.Errorf("risk.take_profit_atr and risk.take_profit_weights must have the same length")
	}
	sum := 0.0
	for _, w := range r.TakeProfitWeights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("risk.take_profit_weights must sum to 1, got %.4f", sum)
	}
	for i := 1; i < len(r.TakeProfitATR); i++ {
		if r.TakeProfitATR[i] <= r.TakeProfitATR[i-1] {
			return fmt.Errorf("risk.take_profit_atr must be strictly increasing")
		}
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if len(r.Classifiers) == 0 {
		return fmt.Errorf("regime.classifiers requires at least one classifier")
	}
	if r.DefaultConfidence > r.ConfidenceCap {
		return fmt.Errorf("regime.default_confidence must be <= regime.confidence_cap")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
		}
	}
	if n.Kafka.Enabled && len(n.Kafka.Brokers) == 0 {
		return fmt.Errorf("notify.kafka.brokers cannot be empty when enabled")
	}
	return nil
}

func (v *VenueConfig) validate() error {
	if v.Mode == "kafka" && len(v.Events.Brokers) == 0 {
		return fmt.Errorf("venue.events.brokers cannot be empty in kafka mode")
	}
	return nil
}
