package audit

import (
	"gorm.io/datatypes"
)

// triggerEventModel is one trigger lifecycle transition.
type triggerEventModel struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TriggerID   string         `gorm:"column:trigger_id;index"`
	Instrument  string         `gorm:"column:instrument;index"`
	Family      string         `gorm:"column:family"`
	Direction   string         `gorm:"column:direction"`
	Status      string         `gorm:"column:status"`
	Event       string         `gorm:"column:event"`
	Size        float64        `gorm:"column:size"`
	Confidence  float64        `gorm:"column:confidence"`
	Payload     datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedUnix int64          `gorm:"column:created_at;index"`
}

func (triggerEventModel) TableName() string { return "trigger_events" }

type recordModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	TriggerID  string         `gorm:"column:trigger_id;index"`
	Family     string         `gorm:"column:family;index"`
	Instrument string         `gorm:"column:instrument"`
	Direction  string         `gorm:"column:direction"`
	Outcome    string         `gorm:"column:outcome"`
	Return     float64        `gorm:"column:return_pct"`
	HoldingSec float64        `gorm:"column:holding_sec"`
	Regime     string         `gorm:"column:regime"`
	Payload    datatypes.JSON `gorm:"column:payload;type:TEXT"`
	ClosedUnix int64          `gorm:"column:closed_at;index"`
}

func (recordModel) TableName() string { return "performance_records" }

type riskStateModel struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Version     int64          `gorm:"column:version;index"`
	Equity      float64        `gorm:"column:equity"`
	Drawdown    float64        `gorm:"column:drawdown"`
	Heat        float64        `gorm:"column:heat"`
	Breaker     bool           `gorm:"column:breaker_active"`
	Halted      bool           `gorm:"column:halted"`
	Payload     datatypes.JSON `gorm:"column:payload;type:TEXT"`
	UpdatedUnix int64          `gorm:"column:updated_at"`
}

func (riskStateModel) TableName() string { return "risk_states" }
