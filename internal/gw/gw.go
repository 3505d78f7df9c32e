// Package gw defines the gateway-to-network-server wire types described in
// the external-interfaces contract: uplink/downlink frames, RX/TX metadata,
// modulation variants and TX-acks. These are plain JSON-tagged structs
// (not generated protobuf) so the gateway backend can marshal them directly
// onto the MQTT bridge topics, per the Open Question decision recorded in
// DESIGN.md.
package gw

import "time"

// Modulation names the PHY modulation used for a TX/RX info block.
type Modulation string

const (
	ModulationLoRa   Modulation = "LORA"
	ModulationFSK    Modulation = "FSK"
	ModulationLRFHSS Modulation = "LR_FHSS"
)

// LoRaModulationInfo carries the LoRa-specific modulation parameters.
type LoRaModulationInfo struct {
	Bandwidth       uint32 `json:"bandwidth"`
	SpreadingFactor uint32 `json:"spreading_factor"`
	CodeRate        string `json:"code_rate"`
	PolarizationInversion bool `json:"polarization_inversion"`
}

// FSKModulationInfo carries the FSK-specific modulation parameters.
type FSKModulationInfo struct {
	Bitrate uint32 `json:"bitrate"`
}

// LRFHSSModulationInfo carries the LR-FHSS-specific modulation parameters.
type LRFHSSModulationInfo struct {
	CodingRate     string `json:"coding_rate"`
	Grid           string `json:"grid"`
	Hopping        bool   `json:"hopping"`
	OperatingChannelWidth uint32 `json:"operating_channel_width"`
}

// ModulationInfo holds exactly one of the three modulation variants,
// selected by Modulation.
type ModulationInfo struct {
	LoRa   *LoRaModulationInfo   `json:"lora,omitempty"`
	FSK    *FSKModulationInfo    `json:"fsk,omitempty"`
	LRFHSS *LRFHSSModulationInfo `json:"lr_fhss,omitempty"`
}

// UplinkRXInfo is the per-gateway reception metadata for one uplink.
type UplinkRXInfo struct {
	GatewayID []byte    `json:"gateway_id"`
	UplinkID  uint32    `json:"uplink_id"`
	Time      time.Time `json:"time,omitempty"`
	TimeSinceGPSEpoch *time.Duration `json:"time_since_gps_epoch,omitempty"`
	RSSI      int32     `json:"rssi"`
	SNR       float64   `json:"snr"`
	Channel   uint32    `json:"channel"`
	RFChain   uint32    `json:"rf_chain"`
	Board     uint32    `json:"board"`
	Antenna   uint32    `json:"antenna"`
	Location  *Location `json:"location,omitempty"`
	Context   []byte    `json:"context"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Location is a reported gateway or device location.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// UplinkTXInfo is the TX-side metadata a gateway reports alongside a
// received uplink (the frequency and modulation it was sent with).
type UplinkTXInfo struct {
	Frequency  uint32         `json:"frequency"`
	Modulation Modulation     `json:"modulation"`
	Info       ModulationInfo `json:"-"`
}

// UplinkFrame is one uplink event as reported by a single gateway, prior
// to deduplication.
type UplinkFrame struct {
	PHYPayload []byte        `json:"phy_payload"`
	TxInfo     *UplinkTXInfo `json:"tx_info"`
	RxInfo     *UplinkRXInfo `json:"rx_info"`
}

// Timing selects how a downlink item's transmission time is specified.
type Timing string

const (
	TimingDelay       Timing = "DELAY"
	TimingImmediately Timing = "IMMEDIATELY"
	TimingGPSEpoch    Timing = "GPS_EPOCH"
)

// DownlinkTiming carries exactly one of the three timing variants.
type DownlinkTiming struct {
	Timing            Timing         `json:"timing"`
	Delay             *time.Duration `json:"delay,omitempty"`
	TimeSinceGPSEpoch *time.Duration `json:"time_since_gps_epoch,omitempty"`
}

// DownlinkTXInfo is the TX parameters for one downlink item.
type DownlinkTXInfo struct {
	Frequency  uint32         `json:"frequency"`
	Power      int32          `json:"power"`
	Modulation Modulation     `json:"modulation"`
	Info       ModulationInfo `json:"modulation_info"`
	Board      uint32         `json:"board"`
	Antenna    uint32         `json:"antenna"`
	Timing     DownlinkTiming `json:"timing"`
	Context    []byte         `json:"context"`
}

// DownlinkFrameItem is one candidate transmission (e.g. RX1, with RX2 as a
// second item); the gateway tries them in order and reports which one it
// actually transmitted.
type DownlinkFrameItem struct {
	PHYPayload []byte          `json:"phy_payload"`
	TxInfo     *DownlinkTXInfo `json:"tx_info"`
}

// DownlinkFrame is the gateway-bound frame for one Class-A/B/C downlink
// attempt, keyed by a random DownlinkID so the tx-ack can be matched back
// to the persisted storage.DownlinkFrame.
type DownlinkFrame struct {
	DownlinkID uint32              `json:"downlink_id"`
	GatewayID  []byte              `json:"gateway_id"`
	Items      []DownlinkFrameItem `json:"items"`
}

// DownlinkTXAckItem reports the outcome of trying one DownlinkFrameItem.
type DownlinkTXAckItem struct {
	Status string `json:"status"`
}

// DownlinkTXAck is the gateway's report of what happened to a
// DownlinkFrame: which item (if any) was actually transmitted.
type DownlinkTXAck struct {
	DownlinkID uint32              `json:"downlink_id"`
	GatewayID  []byte              `json:"gateway_id"`
	Items      []DownlinkTXAckItem `json:"items"`
}

// GatewayStats is a periodic gateway statistics report, fanned out to the
// "status" integration event.
type GatewayStats struct {
	GatewayID       []byte    `json:"gateway_id"`
	Time            time.Time `json:"time"`
	Location        *Location `json:"location,omitempty"`
	RXPacketsReceived int     `json:"rx_packets_received"`
	RXPacketsReceivedOK int   `json:"rx_packets_received_ok"`
	TXPacketsReceived int     `json:"tx_packets_received"`
	TXPacketsEmitted  int     `json:"tx_packets_emitted"`
}
