package app

import (
	"fmt"
	"sort"
	"strings"

	"signalcartel/internal/config"
)

type StartupSummary struct {
	Instruments []InstrumentDetail
	Market      MarketSummary
	Engine      EngineSummary
	Risk        RiskSummary
	Outputs     []string
}

type InstrumentDetail struct {
	ID     string
	Sector string
}

type MarketSummary struct {
	Source   string
	Interval string
	Window   int
}

type EngineSummary struct {
	Interval    string
	Timeout     string
	Venue       string
	Classifiers []string
	Strategies  []string
	Optimizer   string
}

type RiskSummary struct {
	Equity        float64
	Sizing        string
	MaxPosition   float64
	MaxHeat       float64
	BreakerAt     float64
	MaxConcurrent int
}

func newSummary(cfg *config.Config, mkt *MarketStack, vs *VenueStack) *StartupSummary {
	s := &StartupSummary{
		Market: MarketSummary{
			Source:   mkt.Source,
			Interval: cfg.Market.Interval,
			Window:   cfg.Engine.HistoryWindow,
		},
		Engine: EngineSummary{
			Interval:    cfg.Engine.CycleInterval().String(),
			Timeout:     cfg.Engine.CycleTimeout().String(),
			Venue:       "paper",
			Classifiers: cfg.Regime.Classifiers,
			Strategies:  cfg.Generator.Strategies,
			Optimizer:   cfg.Generator.OptimizationMethod,
		},
		Risk: RiskSummary{
			Equity:        cfg.Risk.InitialEquity,
			Sizing:        cfg.Risk.SizingMethod,
			MaxPosition:   cfg.Risk.MaxSinglePosition,
			MaxHeat:       cfg.Risk.MaxPortfolioHeat,
			BreakerAt:     cfg.Risk.CircuitBreakerThreshold,
			MaxConcurrent: cfg.Coordinator.MaxConcurrentPositions,
		},
	}
	if vs.Kafka != nil {
		s.Engine.Venue = "kafka events -> " + cfg.Venue.Events.Topic
	}
	if cfg.Engine.DryRun {
		s.Engine.Venue += " (dry run)"
	}
	for _, inst := range cfg.Instruments {
		s.Instruments = append(s.Instruments, InstrumentDetail{ID: inst.ID, Sector: inst.Sector})
	}
	sort.Slice(s.Instruments, func(i, j int) bool { return s.Instruments[i].ID < s.Instruments[j].ID })
	if cfg.Notify.Telegram.Enabled {
		s.Outputs = append(s.Outputs, "telegram")
	}
	if cfg.Notify.Kafka.Enabled {
		s.Outputs = append(s.Outputs, "kafka:"+cfg.Notify.Kafka.Topic)
	}
	if cfg.Store.AuditPath != "" {
		s.Outputs = append(s.Outputs, "audit:"+cfg.Store.AuditPath)
	}
	if cfg.Store.Redis.Enabled {
		s.Outputs = append(s.Outputs, "redis:"+cfg.Store.Redis.Addr)
	}
	if cfg.HTTP.Enabled {
		s.Outputs = append(s.Outputs, "http:"+cfg.HTTP.Addr)
	}
	return s
}

func (s *StartupSummary) Print() {
	title := "STARTUP SUMMARY"
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len(title)/2, title)
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[MARKET DATA]")
	fmt.Printf("  Source:   %s\n", s.Market.Source)
	fmt.Printf("  Interval: %s\n", s.Market.Interval)
	fmt.Printf("  Window:   %d bars\n", s.Market.Window)
	fmt.Println()

	fmt.Println("[INSTRUMENTS]")
	if len(s.Instruments) == 0 {
		fmt.Println("  (none)")
	}
	for _, inst := range s.Instruments {
		sector := inst.Sector
		if sector == "" {
			sector = "-"
		}
		fmt.Printf("  > %-14s sector: %s\n", inst.ID, sector)
	}
	fmt.Println()

	fmt.Println("[ENGINE]")
	fmt.Printf("  Cycle:       every %s, timeout %s\n", s.Engine.Interval, s.Engine.Timeout)
	fmt.Printf("  Venue:       %s\n", s.Engine.Venue)
	fmt.Printf("  Classifiers: %s\n", formatList(s.Engine.Classifiers))
	fmt.Printf("  Strategies:  %s\n", formatList(s.Engine.Strategies))
	fmt.Printf("  Optimizer:   %s\n", s.Engine.Optimizer)
	fmt.Println()

	fmt.Println("[RISK]")
	fmt.Printf("  Equity:       %.2f (%s)\n", s.Risk.Equity, s.Risk.Sizing)
	fmt.Printf("  Max position: %.1f%%  max heat: %.1f%%\n", s.Risk.MaxPosition*100, s.Risk.MaxHeat*100)
	fmt.Printf("  Breaker at:   %.1f%% drawdown\n", s.Risk.BreakerAt*100)
	fmt.Printf("  Concurrent:   %d\n", s.Risk.MaxConcurrent)
	fmt.Println()

	fmt.Println("[OUTPUTS]")
	fmt.Printf("  %s\n", formatList(s.Outputs))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
