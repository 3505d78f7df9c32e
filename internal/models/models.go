// Package models holds the transient, in-memory types that only exist for
// the duration of one uplink or downlink pipeline run — nothing here is
// persisted as-is; storage.* owns the durable shapes.
package models

import (
	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/gw"
)

// RXPacket is the deduplicated result of one uplink: a single PHYPayload
// plus the aggregated RX metadata from every gateway that reported it.
// This is the Go shape of the spec's UplinkFrameSet.
type RXPacket struct {
	PHYPayload lorawan.PHYPayload

	// TXInfo is the TX-side metadata (frequency, modulation, data rate)
	// as reported by the gateways; all copies of one uplink share it.
	TXInfo *gw.UplinkTXInfo

	// RXInfoSet holds one entry per gateway that received this frame.
	RXInfoSet []*gw.UplinkRXInfo

	// DR is the data-rate index resolved from TXInfo against the active
	// region's band.
	DR int

	// RegionConfigID identifies which band.Band this packet was received
	// under.
	RegionConfigID string

	// RoamingMetaData carries passive-roaming hints, left empty for
	// frames handled locally against this NS's own NetID.
	RoamingMetaData *RoamingMetaData
}

// RoamingMetaData is attached to an RXPacket when its DevAddr's NetID does
// not belong to this network server, so the pipeline can abort and hand
// off instead of processing the frame locally.
type RoamingMetaData struct {
	BasePayload  []byte
	ULMetaData   []byte
}

// GatewayTenant associates a receiving gateway with the tenant that owns
// it, used to build the per-gateway privacy map the downlink pipeline
// consults when selecting a gateway for a device belonging to a different
// tenant.
type GatewayTenant struct {
	GatewayID      lorawan.EUI64
	TenantID       string
	PrivateUplink  bool
	PrivateDownlink bool
}
