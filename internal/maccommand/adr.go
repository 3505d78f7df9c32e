package maccommand

import (
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/adr"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RequestADRChange runs the configured ADR algorithm and, if it decided on
// different (dr, tx_power_index, nb_trans) than the session currently
// holds, returns the LinkADRReq needed to push them (folding in the
// current channel mask so the device doesn't lose channels it has).
// installationMargin and requiredSNR must already reflect the uplink's
// spreading factor.
func RequestADRChange(b loraband.Band, algorithmID string, s storage.DeviceSession, installationMargin, requiredSNR float64, minDR, maxDR int) (lorawan.MACCommand, bool, error) {
	if !s.ADR {
		return lorawan.MACCommand{}, false, nil
	}

	h, err := adr.Get(algorithmID)
	if err != nil {
		h, err = adr.Get("default")
		if err != nil {
			return lorawan.MACCommand{}, false, err
		}
	}

	// MaxSupportedTXPowerIndex of 0 means "no session override"; the ADR
	// handler falls back to a conservative per-region default in that case.
	hist := make([]adr.UplinkMetaData, len(s.UplinkHistory))
	for i, u := range s.UplinkHistory {
		hist[i] = adr.UplinkMetaData{
			FCnt:         u.FCnt,
			MaxSNR:       u.MaxSNR,
			MaxRSSI:      u.MaxRSSI,
			TXPowerIndex: u.TXPowerIndex,
			GatewayCount: u.GatewayCount,
		}
	}

	resp, err := h.Handle(adr.Request{
		RegionName:         b.Name(),
		MACVersion:         s.MACVersion,
		DR:                 s.DR,
		NbTrans:            s.NbTrans,
		TXPowerIndex:       s.TXPowerIndex,
		MaxTXPowerIndex:    s.MaxSupportedTXPowerIndex,
		RequiredSNRForDR:   requiredSNR,
		InstallationMargin: installationMargin,
		MinDR:              minDR,
		MaxDR:              maxDR,
		UplinkHistory:      hist,
	})
	if err != nil {
		return lorawan.MACCommand{}, false, err
	}

	if resp.DR == s.DR && resp.TXPowerIndex == s.TXPowerIndex && resp.NbTrans == s.NbTrans {
		return lorawan.MACCommand{}, false, nil
	}

	payloads := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(s.EnabledUplinkChannels)
	if len(payloads) == 0 {
		var pl lorawan.LinkADRReqPayload
		for _, i := range s.EnabledUplinkChannels {
			if i >= 0 && i < len(pl.ChMask) {
				pl.ChMask[i] = true
			}
		}
		payloads = []lorawan.LinkADRReqPayload{pl}
	}

	last := len(payloads) - 1
	payloads[last].DataRate = uint8(resp.DR)
	payloads[last].TXPower = uint8(resp.TXPowerIndex)
	payloads[last].Redundancy.NbRep = resp.NbTrans

	return lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: &payloads[last]}, true, nil
}
