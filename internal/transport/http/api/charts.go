package apihttp

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signalcartel/internal/analysis/visual"
	"signalcartel/internal/market"
)

const htmlContentType = "text/html; charset=utf-8"

func (r *Router) handleInstrumentChart(c *gin.Context) {
	inst := strings.ToUpper(strings.TrimSpace(c.Param("instrument")))
	snap, err := r.cfg.Market.Snapshot(c.Request.Context(), inst)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	chart := visual.InstrumentChart{
		Instrument: inst,
		Candles:    snap.History,
		EMAFast:    snap.Indicators.Series[market.IndicatorEMAFast],
		EMASlow:    snap.Indicators.Series[market.IndicatorEMASlow],
	}
	if r.cfg.Regimes != nil {
		if cls, ok := r.cfg.Regimes.Snapshot()[inst]; ok {
			chart.Regime = string(cls.Label)
			chart.Confidence = cls.Confidence
		}
	}
	for _, t := range r.cfg.Engine.ActiveTriggers() {
		if t.Instrument != inst {
			continue
		}
		short := t.ID
		if len(short) > 8 {
			short = short[:8]
		}
		chart.Levels = append(chart.Levels,
			visual.Level{Name: fmt.Sprintf("entry %s %s", t.Direction, short), Price: t.EntryPrice},
			visual.Level{Name: "stop " + short, Price: t.Exit.StopLoss.Price},
		)
		for i, tp := range t.Exit.TakeProfits {
			chart.Levels = append(chart.Levels, visual.Level{Name: fmt.Sprintf("tp%d %s", i+1, short), Price: tp.Price})
		}
	}
	var buf bytes.Buffer
	if err := visual.RenderInstrument(&buf, chart); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, htmlContentType, buf.Bytes())
}

func (r *Router) handleEquityChart(c *gin.Context) {
	records := r.cfg.Tracker.Records()
	points := make([]visual.EquityPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, visual.EquityPoint{
			At:     rec.ClosedAt,
			Return: rec.Return,
			Label:  fmt.Sprintf("%s %s %s", rec.Instrument, rec.Family, rec.Outcome),
		})
	}
	var buf bytes.Buffer
	if err := visual.RenderEquity(&buf, "Closed trades", visual.Accumulate(points)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, htmlContentType, buf.Bytes())
}
