package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/HungMe117/irrigation-system/internal/model"
)

func openRepo(t *testing.T) *Repo {
	t.Helper()
	// Unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestGatewayByClientIDNotFound(t *testing.T) {
	repo := openRepo(t)
	_, err := repo.GatewayByClientID(context.Background(), "GW-MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNodeByDeviceEUINotFound(t *testing.T) {
	repo := openRepo(t)
	_, err := repo.NodeByDeviceEUI(context.Background(), "EUI-MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGatewayDefaultsOnCreate(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	g := &model.Gateway{ClientID: "GW1"}
	if err := repo.CreateGateway(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := repo.GetGateway(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ValveStatus != model.ValveClose {
		t.Fatalf("expected default valve CLOSE, got %q", got.ValveStatus)
	}
	if got.Status != model.StatusOffline {
		t.Fatalf("expected default status OFFLINE, got %q", got.Status)
	}
	if got.MinMoistureThreshold != 30 || got.MaxWateringDuration != 60 {
		t.Fatalf("unexpected defaults: threshold=%d duration=%d", got.MinMoistureThreshold, got.MaxWateringDuration)
	}
}

func TestTouchGatewayMarksOnline(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	g := &model.Gateway{ClientID: "GW1"}
	if err := repo.CreateGateway(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	seen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.TouchGateway(ctx, g.ID, seen); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := repo.GetGateway(ctx, g.ID)
	if got.Status != model.StatusOnline {
		t.Fatalf("expected ONLINE, got %q", got.Status)
	}
	if !got.LastSeen.Equal(seen) {
		t.Fatalf("last_seen not refreshed: %v", got.LastSeen)
	}
}

func TestLatestReadingOrdering(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	nodeID := uuid.New()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, m := range []float64{10, 55, 42} {
		r := &model.SensorReading{NodeID: nodeID, SoilMoisture: m, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.CreateReading(ctx, r); err != nil {
			t.Fatalf("create reading: %v", err)
		}
	}

	latest, err := repo.LatestReading(ctx, nodeID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.SoilMoisture != 42 {
		t.Fatalf("expected most recent reading (42), got %+v", latest)
	}
}

func TestLatestReadingNilWhenNoData(t *testing.T) {
	repo := openRepo(t)
	latest, err := repo.LatestReading(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil for node without readings, got %+v", latest)
	}
}

func TestSetNodeActiveUnknownNode(t *testing.T) {
	repo := openRepo(t)
	err := repo.SetNodeActive(context.Background(), uuid.New(), false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWateringEventsNewestFirstAndBounded(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	gwID := uuid.New()

	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := repo.AppendWateringEvent(ctx, &model.WateringEvent{
			GatewayID:   gwID,
			Action:      model.ValveOpen,
			Source:      model.SourceManual,
			Reason:      "test",
			CommandTime: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rows, err := repo.ListWateringEvents(ctx, gwID, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if !rows[0].CommandTime.After(rows[1].CommandTime) {
		t.Fatalf("expected newest first: %v then %v", rows[0].CommandTime, rows[1].CommandTime)
	}
}

func TestNodesOfGatewayFiltersByOwner(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	g1 := &model.Gateway{ClientID: "GW1"}
	g2 := &model.Gateway{ClientID: "GW2"}
	if err := repo.CreateGateway(ctx, g1); err != nil {
		t.Fatalf("create g1: %v", err)
	}
	if err := repo.CreateGateway(ctx, g2); err != nil {
		t.Fatalf("create g2: %v", err)
	}
	for i, gw := range []*model.Gateway{g1, g1, g2} {
		n := &model.SensorNode{DeviceEUI: "EUI" + string(rune('A'+i)), GatewayID: gw.ID}
		if err := repo.CreateNode(ctx, n); err != nil {
			t.Fatalf("create node: %v", err)
		}
	}

	nodes, err := repo.NodesOfGateway(ctx, g1.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes for g1, got %d", len(nodes))
	}
}
