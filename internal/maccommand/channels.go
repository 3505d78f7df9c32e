package maccommand

import (
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RequestNewChannels diffs the region's custom uplink channels against the
// session's known extra_uplink_channels and returns one NewChannelReq per
// addition. Removals are not signalled here; they fall out of the
// subsequent channel-mask reconfiguration (the device simply stops seeing
// the removed index enabled).
func RequestNewChannels(b loraband.Band, s storage.DeviceSession) []lorawan.MACCommand {
	var out []lorawan.MACCommand

	for _, i := range b.GetCustomUplinkChannelIndices() {
		if _, ok := s.ExtraUplinkChannels[i]; ok {
			continue
		}

		ch, err := b.GetUplinkChannel(i)
		if err != nil {
			continue
		}

		out = append(out, lorawan.MACCommand{
			CID: lorawan.NewChannelReq,
			Payload: &lorawan.NewChannelReqPayload{
				ChIndex: uint8(i),
				Freq:    uint32(ch.Frequency),
				MinDR:   uint8(ch.MinDR),
				MaxDR:   uint8(ch.MaxDR),
			},
		})
	}

	return out
}

// HandleNewChannelAns records the newly accepted custom channel in the
// session so the next uplink's diff recognises it.
func HandleNewChannelAns(b loraband.Band, s *storage.DeviceSession, chIndex int, block lorawan.MACCommand) error {
	pl, ok := block.Payload.(*lorawan.NewChannelAnsPayload)
	if !ok {
		return errors.New("maccommand: expected *lorawan.NewChannelAnsPayload")
	}
	if !pl.ChannelFrequencyOK || !pl.DataRateRangeOK {
		return nil
	}

	ch, err := b.GetUplinkChannel(chIndex)
	if err != nil {
		return err
	}

	if s.ExtraUplinkChannels == nil {
		s.ExtraUplinkChannels = map[int]loraband.Channel{}
	}
	s.ExtraUplinkChannels[chIndex] = ch
	return nil
}

// RequestChannelMaskReconciliation builds the LinkADRReq payload(s) needed
// to move the device's enabled channels to the region's current set. The
// last payload also carries the session's current tx-power, data-rate and
// nb_trans, matching how a single LinkADRReq block folds channel-mask and
// ADR changes together; for regions needing two payloads (US915/AU915
// ChMaskCntl 7 then per-group masks) only the final one carries them.
func RequestChannelMaskReconciliation(b loraband.Band, s storage.DeviceSession) []lorawan.MACCommand {
	payloads := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(s.EnabledUplinkChannels)
	if len(payloads) == 0 {
		return nil
	}

	last := len(payloads) - 1
	payloads[last].DataRate = uint8(s.DR)
	payloads[last].TXPower = uint8(s.TXPowerIndex)
	payloads[last].Redundancy.NbRep = s.NbTrans

	out := make([]lorawan.MACCommand, len(payloads))
	for i, pl := range payloads {
		p := pl
		out[i] = lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: &p}
	}
	return out
}

// HandleLinkADRAns applies the device's combined channel-mask/ADR ack to
// the session's enabled-channel set. blocks is every LinkADRReq sent in a
// set (US915/AU915 may have used two); acks is the matching LinkAns per
// block, applied "as a set" per the recorded Open Question decision.
func HandleLinkADRAns(b loraband.Band, s *storage.DeviceSession, reqs []lorawan.MACCommand, acks []lorawan.MACCommand) error {
	if len(reqs) != len(acks) {
		return errors.New("maccommand: link_adr_req/ans count mismatch")
	}

	var reqPayloads []lorawan.LinkADRReqPayload
	allOK := true

	for i, r := range reqs {
		rp, ok := r.Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			return errors.New("maccommand: expected *lorawan.LinkADRReqPayload")
		}
		reqPayloads = append(reqPayloads, *rp)

		ap, ok := acks[i].Payload.(*lorawan.LinkADRAnsPayload)
		if !ok {
			return errors.New("maccommand: expected *lorawan.LinkADRAnsPayload")
		}
		if !ap.ChannelMaskACK || !ap.DataRateACK || !ap.PowerACK {
			allOK = false
		}
	}

	if !allOK {
		return nil
	}

	enabled, err := b.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(s.EnabledUplinkChannels, reqPayloads)
	if err != nil {
		return err
	}
	s.EnabledUplinkChannels = enabled

	last := reqPayloads[len(reqPayloads)-1]
	s.DR = int(last.DataRate)
	s.TXPowerIndex = int(last.TXPower)
	s.NbTrans = last.Redundancy.NbRep

	return nil
}
