package maccommand

import (
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RequestTXParamSetup reports whether the region supports TXParamSetup and
// whether the session's dwell-time/EIRP configuration differs from what the
// NS wants, building the TXParamSetupReq when it does.
func RequestTXParamSetup(b loraband.Band, protocolVersion string, s storage.DeviceSession, uplinkDwell, downlinkDwell bool, maxEIRPIndex uint8) (lorawan.MACCommand, bool) {
	if !b.ImplementsTXParamSetup(protocolVersion) {
		return lorawan.MACCommand{}, false
	}

	if s.UplinkDwellTime400ms == uplinkDwell && s.DownlinkDwellTime400ms == downlinkDwell && s.UplinkMaxEIRPIndex == maxEIRPIndex {
		return lorawan.MACCommand{}, false
	}

	ul := lorawan.DwellTimeNoLimit
	if uplinkDwell {
		ul = lorawan.DwellTime400ms
	}
	dl := lorawan.DwellTimeNoLimit
	if downlinkDwell {
		dl = lorawan.DwellTime400ms
	}

	return lorawan.MACCommand{
		CID: lorawan.TXParamSetupReq,
		Payload: &lorawan.TXParamSetupReqPayload{
			UplinkDwellTime:   ul,
			DownlinkDwelltime: dl,
			MaxEIRP:           maxEIRPIndex,
		},
	}, true
}

// HandleTXParamSetupAns applies the (payload-less) ack to the session.
func HandleTXParamSetupAns(s *storage.DeviceSession, uplinkDwell, downlinkDwell bool, maxEIRPIndex uint8) {
	s.UplinkDwellTime400ms = uplinkDwell
	s.DownlinkDwellTime400ms = downlinkDwell
	s.UplinkMaxEIRPIndex = maxEIRPIndex
}
