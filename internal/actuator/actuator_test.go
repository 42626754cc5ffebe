package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/HungMe117/irrigation-system/internal/model"
	"github.com/HungMe117/irrigation-system/internal/notify"
	"github.com/HungMe117/irrigation-system/internal/store"
)

type published struct {
	topic   string
	payload []byte
}

type fakePub struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (p *fakePub) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: append([]byte(nil), payload...)})
	return nil
}

func (p *fakePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *fakePub) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[len(p.msgs)-1]
}

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:actuator_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func seedGateway(t *testing.T, repo *store.Repo, durationSec int, nodeCount int) (*model.Gateway, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	gw := &model.Gateway{ClientID: "GW1", MaxWateringDuration: durationSec}
	if err := repo.CreateGateway(ctx, gw); err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	var nodeIDs []uuid.UUID
	for i := 0; i < nodeCount; i++ {
		n := &model.SensorNode{DeviceEUI: "EUI-" + string(rune('A'+i)), GatewayID: gw.ID}
		if err := repo.CreateNode(ctx, n); err != nil {
			t.Fatalf("create node: %v", err)
		}
		nodeIDs = append(nodeIDs, n.ID)
	}
	return gw, nodeIDs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func countEvents(t *testing.T, repo *store.Repo, gwID uuid.UUID, source string) int {
	t.Helper()
	rows, err := repo.ListWateringEvents(context.Background(), gwID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	n := 0
	for _, e := range rows {
		if e.Source == source {
			n++
		}
	}
	return n
}

func TestSetValveOpenUpdatesGatewayNodesAndHistory(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{}
	hub := notify.NewHub()
	// Long duration so the auto-off timer stays out of this test's window.
	gw, nodeIDs := seedGateway(t, repo, 3600, 2)
	c := New(repo, pub, hub, Options{Timescale: time.Millisecond})
	defer c.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	if err := c.SetValve(context.Background(), gw.ID, model.ValveOpen, model.SourceManual, "operator"); err != nil {
		t.Fatalf("set valve: %v", err)
	}

	ctx := context.Background()
	gotGW, _ := repo.GetGateway(ctx, gw.ID)
	if gotGW.ValveStatus != model.ValveOpen {
		t.Fatalf("expected gateway OPEN, got %q", gotGW.ValveStatus)
	}
	for _, id := range nodeIDs {
		n, _ := repo.GetNode(ctx, id)
		if n.LastValveStatus != model.ValveOpen {
			t.Fatalf("expected node mirror OPEN, got %q", n.LastValveStatus)
		}
	}

	if pub.count() != 1 {
		t.Fatalf("expected one downlink publish, got %d", pub.count())
	}
	msg := pub.last()
	if msg.topic != "gateway/GW1/cmd" {
		t.Fatalf("unexpected topic %q", msg.topic)
	}
	var cmd struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.payload, &cmd); err != nil {
		t.Fatalf("command payload not json: %v", err)
	}
	if cmd.Type != "VALVE_CONTROL" || cmd.Status != "OPEN" {
		t.Fatalf("unexpected command payload: %+v", cmd)
	}

	events, _ := repo.ListWateringEvents(ctx, gw.ID, 10)
	if len(events) != 1 {
		t.Fatalf("expected one history row, got %d", len(events))
	}
	if events[0].Action != model.ValveOpen || events[0].Source != model.SourceManual || events[0].DurationSeconds != 3600 {
		t.Fatalf("unexpected history row: %+v", events[0])
	}

	select {
	case evt := <-ch:
		if evt.GatewayID == nil || *evt.GatewayID != gw.ID || evt.ValveStatus != model.ValveOpen {
			t.Fatalf("unexpected notification: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a notification")
	}
}

func TestSetValveUnknownGateway(t *testing.T) {
	repo := openRepo(t)
	c := New(repo, &fakePub{}, notify.NewHub(), Options{})
	defer c.Close()

	err := c.SetValve(context.Background(), uuid.New(), model.ValveOpen, model.SourceManual, "operator")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetValveInvalidCommand(t *testing.T) {
	repo := openRepo(t)
	gw, _ := seedGateway(t, repo, 60, 0)
	c := New(repo, &fakePub{}, notify.NewHub(), Options{})
	defer c.Close()

	err := c.SetValve(context.Background(), gw.ID, "DRENCH", model.SourceManual, "operator")
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestPublishFailureLeavesStateUnchanged(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{fail: true}
	gw, nodeIDs := seedGateway(t, repo, 60, 1)
	c := New(repo, pub, notify.NewHub(), Options{})
	defer c.Close()

	err := c.SetValve(context.Background(), gw.ID, model.ValveOpen, model.SourceManual, "operator")
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}

	ctx := context.Background()
	gotGW, _ := repo.GetGateway(ctx, gw.ID)
	if gotGW.ValveStatus != model.ValveClose {
		t.Fatalf("valve state must be unchanged on transport failure, got %q", gotGW.ValveStatus)
	}
	n, _ := repo.GetNode(ctx, nodeIDs[0])
	if n.LastValveStatus != "OFF" {
		t.Fatalf("node mirror must be unchanged, got %q", n.LastValveStatus)
	}
	events, _ := repo.ListWateringEvents(ctx, gw.ID, 10)
	if len(events) != 0 {
		t.Fatalf("no history row may be appended on failure, got %d", len(events))
	}
}

func TestCloseOnClosedGatewayIsIdempotentButLogged(t *testing.T) {
	repo := openRepo(t)
	gw, _ := seedGateway(t, repo, 60, 1)
	c := New(repo, &fakePub{}, notify.NewHub(), Options{})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetValve(ctx, gw.ID, model.ValveClose, model.SourceManual, "operator"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.SetValve(ctx, gw.ID, model.ValveClose, model.SourceManual, "operator"); err != nil {
		t.Fatalf("second close: %v", err)
	}

	gotGW, _ := repo.GetGateway(ctx, gw.ID)
	if gotGW.ValveStatus != model.ValveClose {
		t.Fatalf("expected CLOSE, got %q", gotGW.ValveStatus)
	}
	events, _ := repo.ListWateringEvents(ctx, gw.ID, 10)
	if len(events) != 2 {
		t.Fatalf("each close must append history, got %d rows", len(events))
	}
}

func TestAutoOffClosesAfterDuration(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{}
	gw, nodeIDs := seedGateway(t, repo, 2, 1)
	c := New(repo, pub, notify.NewHub(), Options{Timescale: 5 * time.Millisecond})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceAutoSchedule, "schedule 07:00"); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		g, err := repo.GetGateway(ctx, gw.ID)
		return err == nil && g.ValveStatus == model.ValveClose
	})

	n, _ := repo.GetNode(ctx, nodeIDs[0])
	if n.LastValveStatus != model.ValveClose {
		t.Fatalf("expected node mirror to converge to CLOSE, got %q", n.LastValveStatus)
	}
	if got := countEvents(t, repo, gw.ID, model.SourceAutoOff); got != 1 {
		t.Fatalf("expected one AUTO_OFF history row, got %d", got)
	}
	if pub.count() != 2 {
		t.Fatalf("expected OPEN then CLOSE publishes, got %d", pub.count())
	}
}

func TestManualCloseBeforeAutoOffLeavesFinalStateClosed(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{}
	gw, _ := seedGateway(t, repo, 4, 1)
	c := New(repo, pub, notify.NewHub(), Options{Timescale: 20 * time.Millisecond})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceManual, "user"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.SetValve(ctx, gw.ID, model.ValveClose, model.SourceManual, "user"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The original timer still elapses and republishes an idempotent CLOSE.
	waitFor(t, 2*time.Second, func() bool {
		return pub.count() == 3 && countEvents(t, repo, gw.ID, model.SourceAutoOff) == 1
	})

	gotGW, _ := repo.GetGateway(ctx, gw.ID)
	if gotGW.ValveStatus != model.ValveClose {
		t.Fatalf("final state must be CLOSE, got %q", gotGW.ValveStatus)
	}
}

func TestSupersededAutoOffDefaultLetsBothFire(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{}
	gw, _ := seedGateway(t, repo, 2, 0)
	c := New(repo, pub, notify.NewHub(), Options{Timescale: 20 * time.Millisecond})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceManual, "first"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceManual, "second"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return countEvents(t, repo, gw.ID, model.SourceAutoOff) == 2
	})
}

func TestSupersededAutoOffCancelledWhenConfigured(t *testing.T) {
	repo := openRepo(t)
	pub := &fakePub{}
	gw, _ := seedGateway(t, repo, 2, 0)
	c := New(repo, pub, notify.NewHub(), Options{Timescale: 20 * time.Millisecond, CancelSupersededAutoOff: true})
	defer c.Close()

	ctx := context.Background()
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceManual, "first"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := c.SetValve(ctx, gw.ID, model.ValveOpen, model.SourceManual, "second"); err != nil {
		t.Fatalf("second open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return countEvents(t, repo, gw.ID, model.SourceAutoOff) == 1
	})
	// Give a cancelled timer a chance to misfire before asserting.
	time.Sleep(100 * time.Millisecond)
	if got := countEvents(t, repo, gw.ID, model.SourceAutoOff); got != 1 {
		t.Fatalf("expected a single AUTO_OFF with cancellation enabled, got %d", got)
	}
}
