// Package integration fans out network-server events (uplinks, joins,
// acks, status reports, device logs) to the sinks an application's
// tenant has configured, mirroring the event set chirpstack's own
// integration layer publishes.
package integration

import (
	"context"
	"sync"

	"github.com/brocaar/lorawan"
)

// DeviceInfo identifies the device an event is about, carried on every
// event so a sink never has to join back against storage to label it.
type DeviceInfo struct {
	TenantID        string
	TenantName      string
	ApplicationID   string
	ApplicationName string
	DeviceProfileID string
	DeviceName      string
	DevEUI          lorawan.EUI64
	Tags            map[string]string
}

// RXInfo is the per-gateway reception metadata a sink needs to publish,
// independent of the gw.UplinkRXInfo wire shape.
type RXInfo struct {
	GatewayID lorawan.EUI64
	RSSI      int32
	SNR       float64
}

// UplinkEvent is published once per accepted, deduplicated uplink.
type UplinkEvent struct {
	DeviceInfo DeviceInfo
	DevAddr    lorawan.DevAddr
	FCnt       uint32
	FPort      uint8
	DR         int
	Frequency  uint32
	RXInfo     []RXInfo
	Data       []byte
	Object     map[string]interface{}
}

// JoinEvent is published when a device successfully completes an OTAA join.
type JoinEvent struct {
	DeviceInfo DeviceInfo
	DevAddr    lorawan.DevAddr
}

// AckEvent is published when a confirmed downlink is acknowledged, or
// dropped after exhausting its retries.
type AckEvent struct {
	DeviceInfo   DeviceInfo
	QueueItemID  string
	Acknowledged bool
	FCntDown     uint32
}

// StatusEvent is published on receipt of a DevStatusAns.
type StatusEvent struct {
	DeviceInfo            DeviceInfo
	Margin                int
	ExternalPowerSource   bool
	BatteryLevelUnavailable bool
	BatteryLevel          float32
}

// LogEvent reports an operational problem associated with a device (e.g.
// an uplink MIC failure or an exhausted downlink queue) for display in a
// tenant's own tooling.
type LogEvent struct {
	DeviceInfo DeviceInfo
	Level      string
	Code       string
	Description string
}

// Sink publishes network-server events to one external system. A sink
// that doesn't care about a given event type should just return nil;
// see HTTP's and MQTT's blanket handling versus InfluxDB's uplink/status-only
// implementation.
type Sink interface {
	HandleUplinkEvent(ctx context.Context, e UplinkEvent) error
	HandleJoinEvent(ctx context.Context, e JoinEvent) error
	HandleAckEvent(ctx context.Context, e AckEvent) error
	HandleStatusEvent(ctx context.Context, e StatusEvent) error
	HandleLogEvent(ctx context.Context, e LogEvent) error
}

var (
	mux   sync.RWMutex
	sinks []Sink
)

// SetSinks replaces the set of configured default-integration sinks.
func SetSinks(s []Sink) {
	mux.Lock()
	defer mux.Unlock()
	sinks = s
}

func currentSinks() []Sink {
	mux.RLock()
	defer mux.RUnlock()
	out := make([]Sink, len(sinks))
	copy(out, sinks)
	return out
}
