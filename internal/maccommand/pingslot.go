package maccommand

import (
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// HandlePingSlotInfoReq records the device's ping-slot periodicity (n: the
// device listens every 2^n * 1s) and acks with the payload-less
// PingSlotInfoAns. The change takes effect starting the next beacon period,
// per the recorded decision on mid-beacon-period ping-slot changes.
func HandlePingSlotInfoReq(s *storage.DeviceSession, block lorawan.MACCommand) (lorawan.MACCommand, error) {
	pl, ok := block.Payload.(*lorawan.PingSlotInfoReqPayload)
	if !ok {
		return lorawan.MACCommand{}, errors.New("maccommand: expected *lorawan.PingSlotInfoReqPayload")
	}

	s.PingSlotNb = 1 << (7 - pl.Periodicity) // 128 / 2^periodicity, matches 2^12 / (2^(12-7+periodicity))

	return lorawan.MACCommand{CID: lorawan.PingSlotInfoAns}, nil
}

// RequestPingSlotChannel reports whether the session's Class-B ping-slot DR
// or frequency diverge from the network-server configuration and builds
// the PingSlotChannelReq to reconcile them.
func RequestPingSlotChannel(s storage.DeviceSession, dr int, freq int) (lorawan.MACCommand, bool) {
	if s.PingSlotDR == dr && s.PingSlotFrequency == freq {
		return lorawan.MACCommand{}, false
	}

	return lorawan.MACCommand{
		CID: lorawan.PingSlotChannelReq,
		Payload: &lorawan.PingSlotChannelReqPayload{
			Frequency: uint32(freq),
			DR:        uint8(dr),
		},
	}, true
}

// HandlePingSlotChannelAns applies the device's ack to the session.
func HandlePingSlotChannelAns(s *storage.DeviceSession, dr, freq int, block lorawan.MACCommand) error {
	pl, ok := block.Payload.(*lorawan.PingSlotChannelAnsPayload)
	if !ok {
		return errors.New("maccommand: expected *lorawan.PingSlotChannelAnsPayload")
	}

	if pl.DataRateOK {
		s.PingSlotDR = dr
	}
	if pl.ChannelFrequencyOK {
		s.PingSlotFrequency = freq
	}
	return nil
}
