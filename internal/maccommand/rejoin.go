package maccommand

import (
	"strings"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RequestRejoinParamSetup reports whether a RejoinParamSetupReq is due:
// only for 1.1+ devices, only when rejoin requests are enabled, and only
// when the session's values diverge from the network-server config.
func RequestRejoinParamSetup(s storage.DeviceSession, enabled bool, maxCountN, maxTimeN int) (lorawan.MACCommand, bool) {
	if !enabled || !strings.HasPrefix(s.MACVersion, "1.1") {
		return lorawan.MACCommand{}, false
	}
	if s.RejoinRequestEnabled && s.RejoinRequestMaxCountN == maxCountN && s.RejoinRequestMaxTimeN == maxTimeN {
		return lorawan.MACCommand{}, false
	}

	return lorawan.MACCommand{
		CID: lorawan.RejoinParamSetupReq,
		Payload: &lorawan.RejoinParamSetupReqPayload{
			MaxCountN: uint8(maxCountN),
			MaxTimeN:  uint8(maxTimeN),
		},
	}, true
}

// HandleRejoinParamSetupAns applies the device's ack to the session.
func HandleRejoinParamSetupAns(s *storage.DeviceSession, enabled bool, maxCountN, maxTimeN int, block lorawan.MACCommand) {
	pl, ok := block.Payload.(*lorawan.RejoinParamSetupAnsPayload)
	if !ok || !pl.TimeOK {
		return
	}

	s.RejoinRequestEnabled = enabled
	s.RejoinRequestMaxCountN = maxCountN
	s.RejoinRequestMaxTimeN = maxTimeN
}
