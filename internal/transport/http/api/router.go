package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signalcartel/internal/coordinator"
	"signalcartel/internal/engine"
	"signalcartel/internal/performance"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/trigger"
)

// EngineView is implemented by *engine.Engine.
type EngineView interface {
	RunCycle(ctx context.Context) (engine.CycleReport, error)
	LastReport() engine.CycleReport
	ActiveTriggers() []trigger.Trigger
}

// RiskView is implemented by *risk.Manager.
type RiskView interface {
	State() risk.State
	Resume()
}

// RegimeView is implemented by *regime.Ensemble.
type RegimeView interface {
	Snapshot() map[string]regime.Classification
}

// PerformanceView is implemented by *performance.Tracker.
type PerformanceView interface {
	AllMetrics() []performance.Metrics
	Degradations() []performance.Degradation
	Records() []performance.Record
}

// MatrixView is implemented by *coordinator.Coordinator.
type MatrixView interface {
	Matrix() *coordinator.CorrelationMatrix
}

type Router struct {
	cfg ServerConfig
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{cfg: cfg}
}

// Register mounts the API under group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/cycle", r.handleLastCycle)
	group.POST("/cycle", r.handleRunCycle)
	group.GET("/triggers", r.handleTriggers)
	if r.cfg.Risk != nil {
		group.GET("/risk", r.handleRisk)
		group.POST("/risk/resume", r.handleResume)
	}
	if r.cfg.Regimes != nil {
		group.GET("/regimes", r.handleRegimes)
	}
	if r.cfg.Tracker != nil {
		group.GET("/performance", r.handlePerformance)
		group.GET("/charts/equity", r.handleEquityChart)
	}
	if r.cfg.Market != nil {
		group.GET("/charts/:instrument", r.handleInstrumentChart)
	}
	if r.cfg.Matrix != nil {
		group.GET("/correlations", r.handleCorrelations)
	}
}

func (r *Router) handleLastCycle(c *gin.Context) {
	rep := r.cfg.Engine.LastReport()
	if rep.Cycle == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle has completed yet"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (r *Router) handleRunCycle(c *gin.Context) {
	rep, err := r.cfg.Engine.RunCycle(c.Request.Context())
	if errors.Is(err, engine.ErrCycleRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (r *Router) handleTriggers(c *gin.Context) {
	active := r.cfg.Engine.ActiveTriggers()
	if inst := strings.ToUpper(strings.TrimSpace(c.Query("instrument"))); inst != "" {
		filtered := active[:0]
		for _, t := range active {
			if t.Instrument == inst {
				filtered = append(filtered, t)
			}
		}
		active = filtered
	}
	c.JSON(http.StatusOK, gin.H{"triggers": active, "count": len(active)})
}

func (r *Router) handleRisk(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Risk.State())
}

func (r *Router) handleResume(c *gin.Context) {
	r.cfg.Risk.Resume()
	c.JSON(http.StatusOK, r.cfg.Risk.State())
}

func (r *Router) handleRegimes(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Regimes.Snapshot())
}

func (r *Router) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics":      r.cfg.Tracker.AllMetrics(),
		"degradations": r.cfg.Tracker.Degradations(),
	})
}

type correlationPair struct {
	A string `json:"a"`
	B string `json:"b"`
	coordinator.Entry
}

func (r *Router) handleCorrelations(c *gin.Context) {
	m := r.cfg.Matrix.Matrix()
	if m == nil {
		c.JSON(http.StatusOK, gin.H{"pairs": []correlationPair{}})
		return
	}
	pairs := make([]correlationPair, 0)
	for _, p := range m.Pairs() {
		if e, ok := m.Get(p[0], p[1]); ok {
			pairs = append(pairs, correlationPair{A: p[0], B: p[1], Entry: e})
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"method":   m.Method,
		"window":   m.Window,
		"built_at": m.BuiltAt,
		"pairs":    pairs,
	})
}
