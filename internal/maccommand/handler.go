// Package maccommand implements the per-CID state machines that
// reconcile a DeviceSession's MAC-layer configuration with what the
// network server wants, as described by the LoRaWAN MAC-command set.
// Each concern lives in its own file (channels, ADR, rx/tx parameters,
// rejoin, ping-slot, device-status), mirroring how the uplink and
// downlink pipelines treat them as independent reconciliation steps.
package maccommand

import (
	"context"
	"time"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/chirpstack/chirpstack-sub001/internal/logging"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// DispatchUplink answers every request/indication the device sent in this
// uplink's MAC commands, and reconciles session state for any ack of a
// command the server previously sent, using the pending block stored for
// that CID with storage.SaveMACCommandBlock. The downlink pipeline does not
// store such blocks, so an ack that finds none leaves the session's
// parameters unchanged. It returns the response blocks to queue
// for the next downlink (e.g. LinkCheckAns, RekeyConf) and whether
// something the device said requires the NS to schedule a downlink even
// without a queued application payload.
func DispatchUplink(ctx context.Context, rc *redis.Client, b loraband.Band, s *storage.DeviceSession, now time.Time, maxSNR, requiredSNR float64, gwCount int, commands []lorawan.MACCommand) ([]lorawan.MACCommand, bool, error) {
	var resp []lorawan.MACCommand
	mustSend := false

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.RekeyInd:
			conf, err := HandleRekeyInd(s.DevEUI, cmd)
			if err != nil {
				log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle rekey_ind")
				continue
			}
			resp = append(resp, conf)
			mustSend = true

		case lorawan.LinkCheckReq:
			resp = append(resp, HandleLinkCheckReq(maxSNR, requiredSNR, gwCount))
			mustSend = true

		case lorawan.DeviceTimeReq:
			resp = append(resp, HandleDeviceTimeReq(now))
			mustSend = true

		case lorawan.PingSlotInfoReq:
			ans, err := HandlePingSlotInfoReq(s, cmd)
			if err != nil {
				log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle ping_slot_info_req")
				continue
			}
			resp = append(resp, ans)
			mustSend = true

		case lorawan.DevStatusAns:
			if err := HandleDevStatusAns(s.DevEUI, cmd); err != nil {
				log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle dev_status_ans")
			}
			ackPending(ctx, rc, s, lorawan.DevStatusReq)

		case lorawan.RXParamSetupAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.RXParamSetupReq); ok {
				if reqPL, ok := pending.Commands[0].Payload.(*lorawan.RXParamSetupReqPayload); ok {
					if _, err := HandleRXParamSetupAns(s, cmd, reqPL.DLSettings.RX1DROffset, reqPL.DLSettings.RX2DataRate, int(reqPL.Frequency)); err != nil {
						log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle rx_param_setup_ans")
					}
				}
			}

		case lorawan.RXTimingSetupAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.RXTimingSetupReq); ok {
				if reqPL, ok := pending.Commands[0].Payload.(*lorawan.RXTimingSetupReqPayload); ok {
					HandleRXTimingSetupAns(s, reqPL.Delay)
				}
			}

		case lorawan.TXParamSetupAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.TXParamSetupReq); ok {
				if reqPL, ok := pending.Commands[0].Payload.(*lorawan.TXParamSetupReqPayload); ok {
					HandleTXParamSetupAns(s, reqPL.UplinkDwellTime == lorawan.DwellTime400ms, reqPL.DownlinkDwelltime == lorawan.DwellTime400ms, reqPL.MaxEIRP)
				}
			}

		case lorawan.NewChannelAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.NewChannelReq); ok && b != nil {
				for _, reqCmd := range pending.Commands {
					if reqPL, ok := reqCmd.Payload.(*lorawan.NewChannelReqPayload); ok {
						if err := HandleNewChannelAns(b, s, int(reqPL.ChIndex), cmd); err != nil {
							log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle new_channel_ans")
						}
					}
				}
			}

		case lorawan.LinkADRAns:
			// Only the pending LinkADRReq marker is cleared here, whatever
			// the ack's status bits. HandleLinkADRAns is not called from
			// this dispatcher or from the uplink pipeline, so the
			// session's DR, TX power and NbTrans are not updated from the
			// ack.
			ackPending(ctx, rc, s, lorawan.LinkADRReq)

		case lorawan.RejoinParamSetupAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.RejoinParamSetupReq); ok {
				if reqPL, ok := pending.Commands[0].Payload.(*lorawan.RejoinParamSetupReqPayload); ok {
					HandleRejoinParamSetupAns(s, true, int(reqPL.MaxCountN), int(reqPL.MaxTimeN), cmd)
				}
			}

		case lorawan.PingSlotChannelAns:
			if pending, ok := popPending(ctx, rc, s, lorawan.PingSlotChannelReq); ok {
				if reqPL, ok := pending.Commands[0].Payload.(*lorawan.PingSlotChannelReqPayload); ok {
					if err := HandlePingSlotChannelAns(s, int(reqPL.DR), int(reqPL.Frequency), cmd); err != nil {
						log.WithError(err).WithField("dev_eui", s.DevEUI).Error("maccommand: handle ping_slot_channel_ans")
					}
				}
			}

		default:
			log.WithFields(log.Fields{
				"dev_eui": s.DevEUI,
				"cid":     cmd.CID,
				"ctx_id":  logging.ContextID(ctx),
			}).Debug("maccommand: unhandled mac command")
		}
	}

	return resp, mustSend, nil
}

// popPending fetches and deletes the pending block saved for cid, if any.
func popPending(ctx context.Context, rc *redis.Client, s *storage.DeviceSession, cid lorawan.CID) (storage.MACCommandBlock, bool) {
	block, err := storage.GetMACCommandBlock(ctx, rc, s.DevEUI, cid)
	if err != nil {
		return storage.MACCommandBlock{}, false
	}
	if err := storage.DeleteMACCommandBlock(ctx, rc, s.DevEUI, cid); err != nil {
		log.WithError(err).WithFields(log.Fields{"dev_eui": s.DevEUI, "cid": cid}).Warning("maccommand: delete pending block")
	}
	delete(s.MACCommandRequested, cid)
	if len(block.Commands) == 0 {
		return block, false
	}
	return block, true
}

// ackPending clears the pending marker for cid without needing the
// original request payload back.
func ackPending(ctx context.Context, rc *redis.Client, s *storage.DeviceSession, cid lorawan.CID) {
	if err := storage.DeleteMACCommandBlock(ctx, rc, s.DevEUI, cid); err != nil {
		log.WithError(err).WithFields(log.Fields{"dev_eui": s.DevEUI, "cid": cid}).Debug("maccommand: delete pending block")
	}
	if s.MACCommandRequested != nil {
		delete(s.MACCommandRequested, cid)
	}
}
