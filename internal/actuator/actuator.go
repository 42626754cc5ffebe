package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HungMe117/irrigation-system/internal/model"
	"github.com/HungMe117/irrigation-system/internal/notify"
	"github.com/HungMe117/irrigation-system/internal/store"
)

// ErrTransportUnavailable is returned when the downlink publish fails. No
// state is written in that case: the command never reached the field device,
// so claiming success would desynchronize the store from the valve.
var ErrTransportUnavailable = errors.New("transport unavailable")

var ErrInvalidCommand = errors.New("invalid valve command")

// Publisher is the outbound transport surface, injected at construction.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type valveCommand struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Controller issues valve commands to gateways and supervises one auto-off
// timer per gateway. All state transitions flow through SetValve or the
// auto-off body so the gateway record, node mirrors, observers and the
// history log stay consistent.
type Controller struct {
	repo *store.Repo
	pub  Publisher
	hub  *notify.Hub

	mu      sync.Mutex
	autoOff map[uuid.UUID]*time.Timer

	cancelSuperseded bool
	timescale        time.Duration
}

type Options struct {
	// CancelSupersededAutoOff stops a pending auto-off timer when a new OPEN
	// arrives for the same gateway. Off by default: the stale timer then fires
	// a redundant CLOSE, which field devices treat as a no-op.
	CancelSupersededAutoOff bool
	// Timescale is the wall-clock length of one configured watering second.
	// Tests compress it; zero means time.Second.
	Timescale time.Duration
}

func New(repo *store.Repo, pub Publisher, hub *notify.Hub, opts Options) *Controller {
	ts := opts.Timescale
	if ts <= 0 {
		ts = time.Second
	}
	return &Controller{
		repo:             repo,
		pub:              pub,
		hub:              hub,
		autoOff:          map[uuid.UUID]*time.Timer{},
		cancelSuperseded: opts.CancelSupersededAutoOff,
		timescale:        ts,
	}
}

// SetValve publishes a valve command to the gateway's downlink topic and then,
// in order, persists the gateway valve state, rewrites every owned node
// mirror, notifies observers and appends a history row. An OPEN additionally
// arms the gateway's auto-off timer.
func (c *Controller) SetValve(ctx context.Context, gatewayID uuid.UUID, command, source, reason string) error {
	command = strings.ToUpper(strings.TrimSpace(command))
	if command != model.ValveOpen && command != model.ValveClose {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}

	gw, err := c.repo.GetGateway(ctx, gatewayID)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", gatewayID, err)
	}

	if err := c.publishCommand(gw.ClientID, command); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := c.repo.SetGatewayValve(ctx, gw.ID, command); err != nil {
		return fmt.Errorf("persist valve state: %w", err)
	}

	nodes, err := c.repo.NodesOfGateway(ctx, gw.ID)
	if err != nil {
		slog.Warn("valve node listing failed", "gateway_id", gw.ID, "error", err)
	}
	c.mirrorNodes(ctx, nodes, command)

	gwID := gw.ID
	c.hub.Publish(notify.StateEvent{GatewayID: &gwID, ValveStatus: command, LastUpdate: now})

	duration := 0
	if command == model.ValveOpen {
		duration = gw.MaxWateringDuration
	}
	if _, err := c.repo.AppendWateringEvent(ctx, &model.WateringEvent{
		GatewayID:       gw.ID,
		Action:          command,
		Source:          source,
		DurationSeconds: duration,
		Reason:          reason,
		CommandTime:     now,
	}); err != nil {
		slog.Error("watering history append failed", "gateway_id", gw.ID, "error", err)
	}

	slog.Info("valve command issued", "gateway", gw.ClientID, "command", command, "source", source)

	if command == model.ValveOpen {
		c.armAutoOff(gw.ID, gw.MaxWateringDuration)
	}
	return nil
}

func (c *Controller) publishCommand(clientID, status string) error {
	payload, _ := json.Marshal(valveCommand{Type: "VALVE_CONTROL", Status: status})
	topic := "gateway/" + clientID + "/cmd"
	if err := c.pub.Publish(topic, payload); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransportUnavailable, topic, err)
	}
	return nil
}

// mirrorNodes rewrites each node's valve mirror. Multi-row writes are
// best-effort: a failing node is logged and the rest still update.
func (c *Controller) mirrorNodes(ctx context.Context, nodes []model.SensorNode, status string) {
	for _, n := range nodes {
		if err := c.repo.SetNodeValveStatus(ctx, n.ID, status); err != nil {
			slog.Warn("node valve mirror update failed", "node_id", n.ID, "error", err)
		}
	}
}

// armAutoOff schedules the deferred CLOSE for a gateway. Only the newest
// timer handle is tracked; a superseded one either keeps running to fire its
// idempotent CLOSE or is cancelled, depending on configuration.
func (c *Controller) armAutoOff(gatewayID uuid.UUID, durationSec int) {
	if durationSec <= 0 {
		return
	}
	d := time.Duration(durationSec) * c.timescale

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.autoOff[gatewayID]; ok && c.cancelSuperseded {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.autoOff[gatewayID] == t {
			delete(c.autoOff, gatewayID)
		}
		c.mu.Unlock()
		c.fireAutoOff(gatewayID)
	})
	c.autoOff[gatewayID] = t
}

// fireAutoOff runs when a watering window elapses. The gateway is re-read so
// a manual command issued in the meantime is not clobbered with stale fields,
// and the CLOSE it publishes is tolerated by devices as a no-op when the
// valve is already shut.
func (c *Controller) fireAutoOff(gatewayID uuid.UUID) {
	ctx := context.Background()

	gw, err := c.repo.GetGateway(ctx, gatewayID)
	if err != nil {
		slog.Error("auto-off gateway lookup failed", "gateway_id", gatewayID, "error", err)
		return
	}

	if err := c.publishCommand(gw.ClientID, model.ValveClose); err != nil {
		slog.Warn("auto-off publish failed, state left unchanged", "gateway", gw.ClientID, "error", err)
		return
	}

	now := time.Now().UTC()
	if err := c.repo.SetGatewayValve(ctx, gw.ID, model.ValveClose); err != nil {
		slog.Error("auto-off valve persist failed", "gateway_id", gw.ID, "error", err)
		return
	}

	nodes, err := c.repo.NodesOfGateway(ctx, gw.ID)
	if err != nil {
		slog.Warn("auto-off node listing failed", "gateway_id", gw.ID, "error", err)
	}
	c.mirrorNodes(ctx, nodes, model.ValveClose)

	gwID := gw.ID
	c.hub.Publish(notify.StateEvent{GatewayID: &gwID, ValveStatus: model.ValveClose, LastUpdate: now})

	if _, err := c.repo.AppendWateringEvent(ctx, &model.WateringEvent{
		GatewayID:   gw.ID,
		Action:      model.ValveClose,
		Source:      model.SourceAutoOff,
		Reason:      "watering duration elapsed",
		CommandTime: now,
	}); err != nil {
		slog.Error("auto-off history append failed", "gateway_id", gw.ID, "error", err)
	}

	slog.Info("auto-off closed valve", "gateway", gw.ClientID)
}

// Close stops all pending auto-off timers. Used on shutdown; the valves
// themselves close on the devices' own failsafe.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.autoOff {
		t.Stop()
		delete(c.autoOff, id)
	}
}
