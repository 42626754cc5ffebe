package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/HungMe117/irrigation-system/internal/model"
	"github.com/HungMe117/irrigation-system/internal/notify"
	"github.com/HungMe117/irrigation-system/internal/store"
)

var ErrNotUplinkTopic = errors.New("not an uplink topic")

// Uplink is the validated, well-typed form of one inbound telemetry message.
// Missing numeric fields decode to 0; RelayStatus is empty when the payload
// carried no valve mirror.
type Uplink struct {
	ClientID     string
	Kind         string // data, status or response
	DeviceEUI    string
	SoilMoisture float64
	AirHumidity  float64
	Temperature  float64
	RSSI         int
	RelayStatus  string
}

// DecodeUplink parses a gateway/<clientId>/<kind> topic and its JSON payload
// into an Uplink, or reports why the message cannot be accepted. All field
// validation happens here so downstream code never probes raw maps.
func DecodeUplink(topic string, payload []byte) (Uplink, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "gateway" || parts[1] == "" {
		return Uplink{}, ErrNotUplinkTopic
	}
	kind := parts[2]
	if kind != "data" && kind != "status" && kind != "response" {
		return Uplink{}, ErrNotUplinkTopic
	}

	var raw struct {
		DeviceEUI    string   `json:"device_eui"`
		SoilMoisture *float64 `json:"soil_moisture"`
		AirHumidity  *float64 `json:"air_humidity"`
		Temp         *float64 `json:"temp"`
		Temperature  *float64 `json:"temperature"`
		RSSI         *int     `json:"rssi"`
		RelayStatus  string   `json:"relay_status"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Uplink{}, fmt.Errorf("malformed payload: %w", err)
	}

	u := Uplink{
		ClientID:    parts[1],
		Kind:        kind,
		DeviceEUI:   strings.TrimSpace(raw.DeviceEUI),
		RelayStatus: strings.TrimSpace(raw.RelayStatus),
	}
	if raw.SoilMoisture != nil {
		u.SoilMoisture = *raw.SoilMoisture
	}
	if raw.AirHumidity != nil {
		u.AirHumidity = *raw.AirHumidity
	}
	// Devices report either "temp" or "temperature".
	if raw.Temp != nil {
		u.Temperature = *raw.Temp
	} else if raw.Temperature != nil {
		u.Temperature = *raw.Temperature
	}
	if raw.RSSI != nil {
		u.RSSI = *raw.RSSI
	}
	return u, nil
}

// MQTTMessage is the minimal inbound-message surface the ingestor needs.
type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

type Ingestor struct {
	Repo *store.Repo
	Hub  *notify.Hub
}

// HandleMessage processes one uplink message. Errors are never surfaced to
// the transport loop: unknown devices and malformed payloads are logged and
// dropped.
func (i *Ingestor) HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) {
	topic := msg.Topic()
	uplink, err := DecodeUplink(topic, msg.Payload())
	if err != nil {
		if errors.Is(err, ErrNotUplinkTopic) {
			slog.Debug("ingest ignoring topic", "topic", topic)
		} else {
			slog.Warn("ingest payload decode failed", "topic", topic, "error", err)
		}
		return
	}

	gw, err := i.Repo.GatewayByClientID(ctx, uplink.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("ingest unknown gateway", "client_id", uplink.ClientID)
		} else {
			slog.Error("ingest gateway lookup failed", "client_id", uplink.ClientID, "error", err)
		}
		return
	}

	if err := i.Repo.TouchGateway(ctx, gw.ID, receivedAt); err != nil {
		slog.Error("ingest gateway touch failed", "gateway_id", gw.ID, "error", err)
		return
	}

	if uplink.DeviceEUI == "" {
		// Gateway-level heartbeat; nothing more to record.
		return
	}

	node, err := i.Repo.NodeByDeviceEUI(ctx, uplink.DeviceEUI)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("ingest unknown node", "device_eui", uplink.DeviceEUI)
		} else {
			slog.Error("ingest node lookup failed", "device_eui", uplink.DeviceEUI, "error", err)
		}
		return
	}

	node.IsOnline = true
	if uplink.RelayStatus != "" {
		// Follower update of the gateway-owned valve state; last writer wins.
		node.LastValveStatus = uplink.RelayStatus
	}
	if err := i.Repo.SaveNode(ctx, node); err != nil {
		slog.Error("ingest node update failed", "node_id", node.ID, "error", err)
		return
	}

	reading := &model.SensorReading{
		NodeID:       node.ID,
		SoilMoisture: uplink.SoilMoisture,
		AirHumidity:  uplink.AirHumidity,
		Temperature:  uplink.Temperature,
		RSSI:         uplink.RSSI,
		Timestamp:    receivedAt.UTC(),
	}
	if err := i.Repo.CreateReading(ctx, reading); err != nil {
		slog.Error("ingest reading insert failed", "node_id", node.ID, "error", err)
		return
	}
	slog.Debug("ingest reading stored", "node_id", node.ID, "soil_moisture", uplink.SoilMoisture)

	nodeID := node.ID
	gatewayID := gw.ID
	moisture := uplink.SoilMoisture
	humidity := uplink.AirHumidity
	temp := uplink.Temperature
	i.Hub.Publish(notify.StateEvent{
		NodeID:       &nodeID,
		GatewayID:    &gatewayID,
		SoilMoisture: &moisture,
		AirHumidity:  &humidity,
		Temperature:  &temp,
		ValveStatus:  uplink.RelayStatus,
		LastUpdate:   receivedAt.UTC(),
	})
}
