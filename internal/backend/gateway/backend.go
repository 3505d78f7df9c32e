// Package gateway implements the network server's side of the
// gateway-bridge link: publishing downlink frames, and dispatching
// uplink frames, tx-acks and stats reports received from gateways back
// into the uplink pipeline.
package gateway

import (
	"fmt"
	"sync"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/gw"
)

// Backend abstracts the transport a gateway bridge is reached over (MQTT
// here; a gRPC packet-forwarder bridge would implement the same
// interface).
type Backend interface {
	// SendDownlinkFrame schedules frame for transmission by its gateway.
	SendDownlinkFrame(frame gw.DownlinkFrame) error

	// SetUplinkFrameFunc registers the callback invoked for every uplink
	// frame the backend receives.
	SetUplinkFrameFunc(f func(gw.UplinkFrame))

	// SetDownlinkTXAckFunc registers the callback invoked for every
	// tx-ack the backend receives.
	SetDownlinkTXAckFunc(f func(gw.DownlinkTXAck))

	// SetGatewayStatsFunc registers the callback invoked for every stats
	// report the backend receives.
	SetGatewayStatsFunc(f func(gw.GatewayStats))

	Close() error
}

// backends is keyed by region_config_id, mirroring internal/band's registry
// since each active region may bridge to its gateways over a distinct
// broker/topic set.
var (
	mux      sync.RWMutex
	backends = map[string]Backend{}
)

// SetBackend installs the gateway backend for regionConfigID.
func SetBackend(regionConfigID string, b Backend) {
	mux.Lock()
	defer mux.Unlock()
	backends[regionConfigID] = b
}

// Get returns the gateway backend registered for regionConfigID.
func Get(regionConfigID string) (Backend, error) {
	mux.RLock()
	defer mux.RUnlock()

	b, ok := backends[regionConfigID]
	if !ok {
		return nil, fmt.Errorf("gateway: region_config_id %q has no backend configured", regionConfigID)
	}
	return b, nil
}

// gatewayIDFromBytes is a small helper shared by the MQTT implementation to
// turn the wire []byte gateway id into the typed EUI64 used for topic
// rendering and storage lookups.
func gatewayIDFromBytes(b []byte) (lorawan.EUI64, error) {
	var id lorawan.EUI64
	if err := id.UnmarshalBinary(b); err != nil {
		return id, err
	}
	return id, nil
}
