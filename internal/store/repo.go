package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/HungMe117/irrigation-system/internal/model"
)

// ErrNotFound is returned when a referenced gateway or node does not exist.
// Telemetry callers drop the message on it; the command API surfaces it.
var ErrNotFound = errors.New("not found")

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// "record not found" is routine for registry lookups on unknown devices;
	// keep it out of the warn log.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()

	// Create missing tables only; the schema is stable and managed by the
	// explicit model definitions.
	if !m.HasTable(&model.Gateway{}) {
		if err := m.CreateTable(&model.Gateway{}); err != nil {
			return fmt.Errorf("create table gateways: %w", err)
		}
	}
	if !m.HasTable(&model.SensorNode{}) {
		if err := m.CreateTable(&model.SensorNode{}); err != nil {
			return fmt.Errorf("create table sensor_nodes: %w", err)
		}
	}
	if !m.HasTable(&model.SensorReading{}) {
		if err := m.CreateTable(&model.SensorReading{}); err != nil {
			return fmt.Errorf("create table sensor_readings: %w", err)
		}
	}
	if !m.HasTable(&model.WateringEvent{}) {
		if err := m.CreateTable(&model.WateringEvent{}); err != nil {
			return fmt.Errorf("create table watering_events: %w", err)
		}
	}

	if !m.HasIndex(&model.SensorNode{}, "GatewayID") {
		if err := m.CreateIndex(&model.SensorNode{}, "GatewayID"); err != nil {
			return fmt.Errorf("create index sensor_nodes.gateway_id: %w", err)
		}
	}
	if !m.HasIndex(&model.SensorReading{}, "NodeID") {
		if err := m.CreateIndex(&model.SensorReading{}, "NodeID"); err != nil {
			return fmt.Errorf("create index sensor_readings.node_id: %w", err)
		}
	}
	if !m.HasIndex(&model.WateringEvent{}, "GatewayID") {
		if err := m.CreateIndex(&model.WateringEvent{}, "GatewayID"); err != nil {
			return fmt.Errorf("create index watering_events.gateway_id: %w", err)
		}
	}

	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Device registry ---

func (r *Repo) GatewayByClientID(ctx context.Context, clientID string) (*model.Gateway, error) {
	var g model.Gateway
	if err := r.db.WithContext(ctx).First(&g, "client_id = ?", clientID).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (r *Repo) GetGateway(ctx context.Context, id uuid.UUID) (*model.Gateway, error) {
	var g model.Gateway
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &g, nil
}

func (r *Repo) ListGateways(ctx context.Context) ([]model.Gateway, error) {
	var rows []model.Gateway
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CreateGateway(ctx context.Context, g *model.Gateway) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(g).Error
}

func (r *Repo) SaveGateway(ctx context.Context, g *model.Gateway) error {
	return r.db.WithContext(ctx).Save(g).Error
}

func (r *Repo) DeleteGateway(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&model.Gateway{}, "id = ?", id).Error
}

// TouchGateway marks a gateway online and refreshes its last-seen timestamp.
func (r *Repo) TouchGateway(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	updates := map[string]any{"status": model.StatusOnline, "last_seen": seenAt.UTC()}
	return r.db.WithContext(ctx).Model(&model.Gateway{}).Where("id = ?", id).Updates(updates).Error
}

// SetGatewayValve persists the authoritative valve state for a gateway.
func (r *Repo) SetGatewayValve(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&model.Gateway{}).Where("id = ?", id).Update("valve_status", status).Error
}

func (r *Repo) NodeByDeviceEUI(ctx context.Context, eui string) (*model.SensorNode, error) {
	var n model.SensorNode
	if err := r.db.WithContext(ctx).First(&n, "device_eui = ?", eui).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (r *Repo) GetNode(ctx context.Context, id uuid.UUID) (*model.SensorNode, error) {
	var n model.SensorNode
	if err := r.db.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (r *Repo) NodesOfGateway(ctx context.Context, gatewayID uuid.UUID) ([]model.SensorNode, error) {
	var rows []model.SensorNode
	if err := r.db.WithContext(ctx).Where("gateway_id = ?", gatewayID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListNodes(ctx context.Context) ([]model.SensorNode, error) {
	var rows []model.SensorNode
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CreateNode(ctx context.Context, n *model.SensorNode) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *Repo) SaveNode(ctx context.Context, n *model.SensorNode) error {
	return r.db.WithContext(ctx).Save(n).Error
}

func (r *Repo) DeleteNode(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&model.SensorNode{}, "id = ?", id).Error
}

// SetNodeValveStatus updates a node's mirrored valve state.
func (r *Repo) SetNodeValveStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.db.WithContext(ctx).Model(&model.SensorNode{}).Where("id = ?", id).Update("last_valve_status", status).Error
}

func (r *Repo) SetNodeActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := r.db.WithContext(ctx).Model(&model.SensorNode{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sensor readings ---

func (r *Repo) CreateReading(ctx context.Context, reading *model.SensorReading) error {
	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(reading).Error
}

// LatestReading returns the most recent reading for a node, or nil when the
// node has never reported. "No reading" is not an error: the caller must treat
// such a node as unknown, never as dry.
func (r *Repo) LatestReading(ctx context.Context, nodeID uuid.UUID) (*model.SensorReading, error) {
	var reading model.SensorReading
	err := r.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("timestamp desc").First(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

func (r *Repo) ListReadings(ctx context.Context, nodeID uuid.UUID, limit int) ([]model.SensorReading, error) {
	if limit <= 0 {
		limit = 200
	}
	q := r.db.WithContext(ctx).Order("timestamp desc").Limit(limit)
	if nodeID != uuid.Nil {
		q = q.Where("node_id = ?", nodeID)
	}
	var rows []model.SensorReading
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- History log ---

// AppendWateringEvent records one actuation decision. Append-only: nothing in
// this service updates or deletes history rows.
func (r *Repo) AppendWateringEvent(ctx context.Context, e *model.WateringEvent) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CommandTime.IsZero() {
		e.CommandTime = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return uuid.Nil, err
	}
	return e.ID, nil
}

// ListWateringEvents returns recent history rows, newest first. A nil gateway
// id lists across all gateways.
func (r *Repo) ListWateringEvents(ctx context.Context, gatewayID uuid.UUID, limit int) ([]model.WateringEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("command_time desc").Limit(limit)
	if gatewayID != uuid.Nil {
		q = q.Where("gateway_id = ?", gatewayID)
	}
	var rows []model.WateringEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
