package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/poller"
)

// Topics published by the agent. State topics are retained so late
// subscribers see the last known reading.
const (
	topicStatePrefix  = "thermostat/"
	topicStateSuffix  = "/state"
	topicChangeSuffix = "/change"
	topicDiscovery    = "thermostat/discovery"
)

type statePayload struct {
	DeviceID string    `json:"device_id"`
	Temp     float64   `json:"temp"`
	TMode    int       `json:"tmode"`
	TState   int       `json:"tstate"`
	THeat    *float64  `json:"t_heat,omitempty"`
	Hold     int       `json:"hold"`
	Override int       `json:"override"`
	TS       time.Time `json:"ts"`
}

type changePayload struct {
	DeviceID string    `json:"device_id"`
	Kind     string    `json:"kind"`
	TS       time.Time `json:"ts"`
}

type discoveryPayload struct {
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
	Name     string `json:"name,omitempty"`
	Model    string `json:"model,omitempty"`
	New      bool   `json:"new"`
}

// Publisher fans agent events out over MQTT. A nil Publisher is safe to
// call; every method no-ops, so callers never need to guard on whether a
// broker is configured.
type Publisher struct {
	client ClientAPI
}

func NewPublisher(client ClientAPI) *Publisher {
	return &Publisher{client: client}
}

// StateUpdated publishes a retained state snapshot for one device.
func (p *Publisher) StateUpdated(s *model.CurrentState) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(statePayload{
		DeviceID: s.DeviceID.String(),
		Temp:     s.Temp,
		TMode:    s.TMode,
		TState:   s.TState,
		THeat:    s.THeat,
		Hold:     s.Hold,
		Override: s.Override,
		TS:       s.UpdatedAt,
	})
	if err != nil {
		return
	}
	topic := topicStatePrefix + s.DeviceID.String() + topicStateSuffix
	if err := p.client.PublishWith(topic, payload, true); err != nil {
		slog.Warn("state publish failed", "topic", topic, "error", err)
	}
}

// StateChanged publishes a change notification alongside the retained state.
func (p *Publisher) StateChanged(_ context.Context, c poller.Change) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(changePayload{
		DeviceID: c.DeviceID.String(),
		Kind:     c.Kind,
		TS:       c.State.UpdatedAt,
	})
	if err != nil {
		return
	}
	topic := topicStatePrefix + c.DeviceID.String() + topicChangeSuffix
	if err := p.client.Publish(topic, payload); err != nil {
		slog.Warn("change publish failed", "topic", topic, "error", err)
	}
	p.StateUpdated(&c.State)
}

// DeviceDiscovered announces a device found (or re-confirmed) by discovery.
func (p *Publisher) DeviceDiscovered(d *model.Thermostat, isNew bool) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(discoveryPayload{
		DeviceID: d.ID.String(),
		IP:       d.IP,
		Name:     d.Name,
		Model:    d.Model,
		New:      isNew,
	})
	if err != nil {
		return
	}
	if err := p.client.Publish(topicDiscovery, payload); err != nil {
		slog.Warn("discovery publish failed", "error", err)
	}
}
