package maccommand

import (
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RequestRXParamSetup reports whether the session's RX2 parameters have
// drifted from the network-server configuration and builds the
// RXParamSetupReq to reconcile them.
func RequestRXParamSetup(s storage.DeviceSession, rx1DROffset, rx2DR uint8, rx2Freq int) (lorawan.MACCommand, bool) {
	if s.RX1DROffset == rx1DROffset && s.RX2DR == rx2DR && s.RX2Frequency == rx2Freq {
		return lorawan.MACCommand{}, false
	}

	return lorawan.MACCommand{
		CID: lorawan.RXParamSetupReq,
		Payload: &lorawan.RXParamSetupReqPayload{
			Frequency: uint32(rx2Freq),
			DLSettings: lorawan.DLSettings{
				RX2DataRate: rx2DR,
				RX1DROffset: rx1DROffset,
			},
		},
	}, true
}

// HandleRXParamSetupAns applies the device's ack to the session, returning
// whether every sub-field was accepted.
func HandleRXParamSetupAns(s *storage.DeviceSession, block lorawan.MACCommand, rx1DROffset, rx2DR uint8, rx2Freq int) (bool, error) {
	pl, ok := block.Payload.(*lorawan.RXParamSetupAnsPayload)
	if !ok {
		return false, errors.New("maccommand: expected *lorawan.RXParamSetupAnsPayload")
	}

	if pl.ChannelACK {
		s.RX2Frequency = rx2Freq
	}
	if pl.RX2DataRateACK {
		s.RX2DR = rx2DR
	}
	if pl.RX1DROffsetACK {
		s.RX1DROffset = rx1DROffset
	}

	return pl.ChannelACK && pl.RX2DataRateACK && pl.RX1DROffsetACK, nil
}

// RequestRXTimingSetup reports whether the session's RX1 delay needs to
// change and builds the RXTimingSetupReq.
func RequestRXTimingSetup(s storage.DeviceSession, rxDelay uint8) (lorawan.MACCommand, bool) {
	if s.RXDelay == rxDelay {
		return lorawan.MACCommand{}, false
	}

	return lorawan.MACCommand{
		CID:     lorawan.RXTimingSetupReq,
		Payload: &lorawan.RXTimingSetupReqPayload{Delay: rxDelay},
	}, true
}

// HandleRXTimingSetupAns applies the (payload-less) ack to the session.
func HandleRXTimingSetupAns(s *storage.DeviceSession, rxDelay uint8) {
	s.RXDelay = rxDelay
}
