package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"signalcartel/internal/config"
	"signalcartel/internal/coordinator"
	"signalcartel/internal/engine"
	"signalcartel/internal/gateway/binance"
	"signalcartel/internal/gateway/notifier"
	"signalcartel/internal/gateway/venue"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/market/feed"
	"signalcartel/internal/metrics"
	"signalcartel/internal/performance"
	"signalcartel/internal/pkg/circuit"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/scheduler"
	"signalcartel/internal/store/audit"
	"signalcartel/internal/store/paramcache"
	"signalcartel/internal/templates"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
	apihttp "signalcartel/internal/transport/http/api"
)

// auditStore is the audit trail plus the reads used at startup.
type auditStore interface {
	audit.Store
	RecentRecords(ctx context.Context, since time.Time, limit int) ([]performance.Record, error)
	LatestRiskState(ctx context.Context) (risk.State, bool, error)
}

// nopAudit stands in when no audit path is configured.
type nopAudit struct{ audit.Nop }

func (nopAudit) RecentRecords(context.Context, time.Time, int) ([]performance.Record, error) {
	return nil, nil
}

func (nopAudit) LatestRiskState(context.Context) (risk.State, bool, error) {
	return risk.State{}, false, nil
}

// MarketStack is the candle pipeline: a bounded buffer fed by a replay or a
// live source, read through a snapshot provider.
type MarketStack struct {
	Buffer    *market.HistoryBuffer
	Provider  market.Provider
	Refresher *feed.Refresher
	// Replay is set in replay mode; each cycle advances it by one bar.
	Replay *feed.Replay
	Source string
}

// Advance moves the replay forward and pulls fresh bars before a cycle.
func (m *MarketStack) Advance(ctx context.Context, instruments []string) {
	if m.Replay != nil {
		if m.Replay.Cursor() >= m.Replay.Len() {
			logger.Warnf("Feed: replay exhausted at bar %d, history is frozen", m.Replay.Cursor())
		}
		m.Replay.Skip(1)
	}
	m.Refresher.Refresh(ctx, instruments)
}

type VenueStack struct {
	Venue   venue.Venue
	Paper   *venue.PaperVenue
	Kafka   *venue.KafkaEvents
	Guarded *venue.Guarded
}

type AppBuilder struct {
	src *config.Source

	marketStackFn func(context.Context, *config.Config) (*MarketStack, error)
	venueFn       func(*config.Config, notifier.Sink, *metrics.Recorder) (*VenueStack, error)
	auditFn       func(config.StoreConfig) (auditStore, error)
	cacheFn       func(config.RedisConfig) (paramcache.Store, error)
}

type AppBuilderOption func(*AppBuilder)

// WithMarketStack replaces the candle pipeline, e.g. with a fixed replay.
func WithMarketStack(fn func(context.Context, *config.Config) (*MarketStack, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.marketStackFn = fn }
}

func NewAppBuilder(src *config.Source, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		src:           src,
		marketStackFn: buildMarketStack,
		venueFn:       buildVenue,
		auditFn:       openAudit,
		cacheFn:       paramcache.Open,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(src *config.Source) *AppBuilder {
	return NewAppBuilder(src)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.src == nil || b.src.Current() == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.src.Current()
	logger.SetLevel(cfg.App.LogLevel)
	ids := cfg.InstrumentIDs()
	logger.Infof("✓ %d instruments: %v", len(ids), ids)

	rec := metrics.New(cfg.Metrics.Namespace)
	dispatcher, publishers := buildDispatcher(cfg)
	var closers []io.Closer
	for _, p := range publishers {
		closers = append(closers, p)
	}

	tpls, err := templates.NewRegistry(cfg.Generator.TemplatesPath)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	ensemble, err := regime.NewEnsembleFromConfig(cfg.Regime)
	if err != nil {
		return nil, fmt.Errorf("build regime ensemble: %w", err)
	}
	ensemble.OnChange(regimeAlerts(dispatcher))

	auditDB, err := b.auditFn(cfg.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, auditDB)
	cache, err := b.cacheFn(cfg.Store.Redis)
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("open parameter cache: %w", err)
	}
	closers = append(closers, cache)

	riskMgr := risk.NewManager(cfg.Risk.InitialEquity)
	tracker := performance.NewTracker(cfg.Performance)
	restoreState(ctx, cfg, auditDB, cache, riskMgr, tracker)

	mkt, err := b.marketStackFn(ctx, cfg)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	vs, err := b.venueFn(cfg, dispatcher, rec)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	if vs.Kafka != nil {
		closers = append(closers, vs.Kafka)
	}

	coord := coordinator.New()
	eng := engine.New(engine.Deps{
		Config:      b.src,
		Provider:    mkt.Provider,
		Ensemble:    ensemble,
		Generator:   trigger.NewGenerator(trigger.NewDefaultRegistry(tpls)),
		Coordinator: coord,
		Risk:        riskMgr,
		Tracker:     tracker,
		Venue:       vs.Venue,
		Audit:       auditDB,
		Sink:        dispatcher,
		Metrics:     rec,
	})

	sched := scheduler.New(cfg.Engine.CycleInterval(), 0)
	sched.RunImmediately = cfg.Engine.RunImmediately
	sched.Busy = engine.ErrCycleRunning
	sched.OnSkip = rec.CycleSkipped

	var server *apihttp.Server
	if cfg.HTTP.Enabled {
		scfg := apihttp.ServerConfig{
			Addr:    cfg.HTTP.Addr,
			Engine:  eng,
			Risk:    riskMgr,
			Regimes: ensemble,
			Tracker: tracker,
			Matrix:  coord,
			Market:  mkt.Provider,
		}
		if cfg.Metrics.Enabled {
			scfg.Gatherer = rec.Registry()
		}
		server, err = apihttp.NewServer(scfg)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		logger.Infof("✓ HTTP API on %s", server.Addr())
	}

	b.src.Subscribe(func(next *config.Config) {
		logger.SetLevel(next.App.LogLevel)
		logger.Infof("Config: version %d active from the next cycle", next.Version)
	})

	return &App{
		src:        b.src,
		engine:     eng,
		market:     mkt,
		venue:      vs,
		dispatcher: dispatcher,
		tracker:    tracker,
		beliefs:    cache,
		records:    auditDB,
		scheduler:  sched,
		http:       server,
		metrics:    rec,
		closers:    closers,
		Summary:    newSummary(cfg, mkt, vs),
	}, nil
}

// restoreState reloads the risk state, recent records and learned beliefs.
// Each piece is optional; failures start that piece fresh.
func restoreState(ctx context.Context, cfg *config.Config, db auditStore, cache paramcache.Store, riskMgr *risk.Manager, tracker *performance.Tracker) {
	if st, ok, err := db.LatestRiskState(ctx); err != nil {
		logger.Warnf("Restore: risk state unavailable: %v", err)
	} else if ok {
		riskMgr.Restore(st)
	}
	since := time.Now().Add(-cfg.Performance.TrackingPeriod())
	if recs, err := db.RecentRecords(ctx, since, cfg.Performance.MaxRecords); err != nil {
		logger.Warnf("Restore: records unavailable: %v", err)
	} else if len(recs) > 0 {
		tracker.Restore(recs)
		logger.Infof("Restore: %d closed trades since %s", len(recs), since.Format(time.RFC3339))
	}
	if beliefs, err := cache.LoadBeliefs(ctx); err != nil {
		logger.Warnf("Restore: beliefs unavailable: %v", err)
	} else if len(beliefs) > 0 {
		tracker.Seed(beliefs)
		logger.Infof("Restore: %d parameter beliefs", len(beliefs))
	}
}

func openAudit(cfg config.StoreConfig) (auditStore, error) {
	if strings.TrimSpace(cfg.AuditPath) == "" {
		logger.Warnf("Store: no audit path, trigger history is not persisted")
		return nopAudit{}, nil
	}
	st, err := audit.NewGormStore(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return st, nil
}

func buildMarketStack(ctx context.Context, cfg *config.Config) (*MarketStack, error) {
	ids := cfg.InstrumentIDs()
	window := cfg.Engine.HistoryWindow
	buf := market.NewHistoryBuffer(window * 2)
	stack := &MarketStack{Buffer: buf, Source: cfg.Market.Source}

	var source feed.CandleSource
	switch cfg.Market.Source {
	case "binance":
		src, err := binance.New(binance.FromMarket(cfg.Market))
		if err != nil {
			return nil, fmt.Errorf("binance source: %w", err)
		}
		source = src
	default:
		var replay *feed.Replay
		if path := strings.TrimSpace(cfg.Engine.ReplayPath); path != "" {
			r, err := feed.LoadReplay(path)
			if err != nil {
				return nil, err
			}
			replay = r
			stack.Source = "replay:" + path
		} else {
			replay = feed.RandomWalk(ids, cfg.Engine.ReplayBars, cfg.Engine.ReplaySeed)
			stack.Source = fmt.Sprintf("random walk (%d bars, seed %d)", cfg.Engine.ReplayBars, cfg.Engine.ReplaySeed)
		}
		replay.Skip(window)
		stack.Replay = replay
		source = replay
	}

	warm := &feed.Warmer{Source: source, Buffer: buf}
	warm.Warmup(ctx, ids, window)
	stack.Refresher = &feed.Refresher{Source: source, Buffer: buf, Bars: cfg.Market.RefreshBars}
	stack.Provider = feed.NewHistoryProvider(buf, window)
	return stack, nil
}

func buildVenue(cfg *config.Config, sink notifier.Sink, rec *metrics.Recorder) (*VenueStack, error) {
	vs := &VenueStack{Paper: venue.NewPaperVenue(256)}
	var inner venue.Venue = vs.Paper
	if cfg.Venue.Mode == "kafka" && !cfg.Engine.DryRun {
		ev := cfg.Venue.Events
		k, err := venue.NewKafkaEvents(ev.Brokers, ev.GroupID, ev.Topic, vs.Paper)
		if err != nil {
			return nil, fmt.Errorf("venue events: %w", err)
		}
		vs.Kafka = k
		inner = k
	}
	breaker := circuit.New("venue", cfg.Engine.VenueFailureThreshold, time.Duration(cfg.Engine.VenueCooldownSeconds)*time.Second)
	breaker.OnStateChange(func(name string, from, to circuit.State) {
		rec.VenueBreaker(name, from, to)
		sev := types.SeverityInfo
		if to == circuit.StateOpen {
			sev = types.SeverityCritical
		}
		sink.Notify(notifier.Alert{
			Kind:     notifier.AlertVenue,
			Severity: sev,
			Title:    fmt.Sprintf("%s breaker %s", name, to),
			Lines:    []string{fmt.Sprintf("%s -> %s", from, to)},
			At:       time.Now(),
		})
	})
	vs.Guarded = venue.NewGuarded(inner, breaker, cfg.Engine.ExternalTimeout())
	vs.Venue = vs.Guarded
	return vs, nil
}

func buildDispatcher(cfg *config.Config) (*notifier.Dispatcher, []*notifier.KafkaPublisher) {
	var texts []notifier.TextNotifier
	if tg := cfg.Notify.Telegram; tg.Enabled {
		texts = append(texts, notifier.NewTelegram(tg.BotToken, tg.ChatID))
		logger.Infof("✓ Telegram alerts enabled")
	}
	var publishers []notifier.Publisher
	var kafkas []*notifier.KafkaPublisher
	if k := cfg.Notify.Kafka; k.Enabled {
		p, err := notifier.NewKafkaPublisher(k.Brokers, k.Topic)
		if err != nil {
			logger.Warnf("Notifier: kafka publisher disabled: %v", err)
		} else {
			publishers = append(publishers, p)
			kafkas = append(kafkas, p)
			logger.Infof("✓ Kafka alerts on %s", k.Topic)
		}
	}
	return notifier.NewDispatcher(cfg.Notify.BufferSize, cfg.Engine.ExternalTimeout(), texts, publishers), kafkas
}

func regimeAlerts(sink notifier.Sink) regime.ChangeListener {
	return func(prev, next regime.Classification) {
		sink.Notify(notifier.Alert{
			Kind:       notifier.AlertRegimeChange,
			Severity:   types.SeverityInfo,
			Instrument: next.Instrument,
			Title:      fmt.Sprintf("regime %s -> %s", prev.Label, next.Label),
			Lines: []string{
				fmt.Sprintf("confidence %.2f stability %.2f", next.Confidence, next.Stability),
				fmt.Sprintf("source %s", next.Source),
			},
			At: next.Timestamp,
		})
	}
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] == nil {
			continue
		}
		if err := closers[i].Close(); err != nil {
			logger.Warnf("App: close: %v", err)
		}
	}
}
