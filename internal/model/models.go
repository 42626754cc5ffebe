package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Valve commands as sent on the wire and stored on the gateway record.
const (
	ValveOpen  = "OPEN"
	ValveClose = "CLOSE"
)

// WateringEvent sources.
const (
	SourceManual       = "MANUAL"
	SourceAutoSchedule = "AUTO_SCHEDULE"
	SourceAutoOff      = "AUTO_OFF"
)

// ActionSkip records a decision that deliberately issued no command
// (e.g. watering delayed because rain is forecast).
const ActionSkip = "SKIP"

// Gateway network state.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
)

// Gateway is a field controller fronting one irrigation valve and owning
// one or more sensor nodes. ValveStatus is the single source of truth for
// the valve; node mirrors follow it.
type Gateway struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID             string         `gorm:"uniqueIndex;not null" json:"client_id"`
	Location             string         `json:"location"`
	Description          string         `gorm:"type:text" json:"description"`
	Status               string         `json:"status"`
	ValveStatus          string         `json:"valve_status"`
	MinMoistureThreshold int            `json:"min_moisture_threshold"`
	MaxWateringDuration  int            `json:"max_watering_duration"` // seconds
	WateringSchedule     datatypes.JSON `json:"watering_schedule"`     // ["HH:MM", ...]
	Latitude             float64        `json:"latitude"`
	Longitude            float64        `json:"longitude"`
	LastSeen             time.Time      `json:"last_seen"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// BeforeCreate GORM hook: ensure UUID and sane defaults are set.
func (g *Gateway) BeforeCreate(tx *gorm.DB) (err error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.Status == "" {
		g.Status = StatusOffline
	}
	if g.ValveStatus == "" {
		g.ValveStatus = ValveClose
	}
	if g.MinMoistureThreshold == 0 {
		g.MinMoistureThreshold = 30
	}
	if g.MaxWateringDuration == 0 {
		g.MaxWateringDuration = 60
	}
	return nil
}

// ScheduleTimes decodes the watering schedule into "HH:MM" slots.
// A malformed or empty column yields no slots.
func (g *Gateway) ScheduleTimes() []string {
	if len(g.WateringSchedule) == 0 {
		return nil
	}
	var times []string
	if err := json.Unmarshal(g.WateringSchedule, &times); err != nil {
		return nil
	}
	return times
}

// SetScheduleTimes encodes the given "HH:MM" slots into the schedule column.
func (g *Gateway) SetScheduleTimes(times []string) {
	b, _ := json.Marshal(times)
	g.WateringSchedule = datatypes.JSON(b)
}

// SensorNode is a single soil/environment sensor attached to a gateway.
// LastValveStatus is a legacy mirror of the owning gateway's valve state,
// rewritten on every actuation and by telemetry relay_status updates.
type SensorNode struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceEUI        string    `gorm:"column:device_eui;uniqueIndex;not null" json:"device_eui"`
	GatewayID        uuid.UUID `gorm:"type:uuid;index;not null" json:"gateway_id"`
	ConnectedGateway string    `json:"connected_gateway"` // denormalized gateway label for dashboards
	IsActive         bool      `json:"is_active"`
	IsAutoMode       bool      `json:"is_auto_mode"`
	IsOnline         bool      `json:"is_online"`
	LastValveStatus  string    `json:"last_valve_status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (n *SensorNode) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.LastValveStatus == "" {
		n.LastValveStatus = "OFF"
	}
	return nil
}

// SensorReading is one accepted telemetry sample. Immutable once created;
// only the most recent reading per node participates in decisions.
type SensorReading struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID       uuid.UUID `gorm:"type:uuid;index;not null" json:"node_id"`
	SoilMoisture float64   `json:"soil_moisture"`
	AirHumidity  float64   `json:"air_humidity"`
	Temperature  float64   `json:"temperature"`
	RSSI         int       `json:"rssi"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
}

func (r *SensorReading) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return nil
}

// WateringEvent is one append-only history row per actuation decision.
type WateringEvent struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GatewayID       uuid.UUID `gorm:"type:uuid;index;not null" json:"gateway_id"`
	Action          string    `gorm:"not null" json:"action"` // OPEN, CLOSE or SKIP
	Source          string    `json:"source"`
	DurationSeconds int       `json:"duration_seconds"`
	Reason          string    `json:"reason"`
	CommandTime     time.Time `gorm:"index" json:"command_time"`
}

func (e *WateringEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Source == "" {
		e.Source = SourceManual
	}
	if e.CommandTime.IsZero() {
		e.CommandTime = time.Now().UTC()
	}
	return nil
}
