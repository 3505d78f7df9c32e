package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/helpers"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/maccommand"
	"github.com/chirpstack/chirpstack-sub001/internal/maccommand/multicastsetup"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

var nsConf config.NetworkServerConfig

// SetupDataConfig records the network-server-wide settings the data
// pipeline needs (ADR margin, status-request interval, response delay).
func SetupDataConfig(conf config.NetworkServerConfig) {
	nsConf = conf
}

// requiredSNRTable holds the minimum demodulation SNR (dB) per LoRa spread
// factor, SF7 through SF12, the values chirpstack's own ADR engine uses.
var requiredSNRTable = map[int]float64{
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

func requiredSNRForDR(b loraband.Band, dr int) float64 {
	d, err := b.GetDataRate(dr)
	if err != nil {
		return 0
	}
	if snr, ok := requiredSNRTable[d.SpreadFactor]; ok {
		return snr
	}
	return 0
}

// HandleUplink is the entry point for one deduplicated, non-join uplink:
// it validates and advances the device-session, decrypts the MAC layer,
// dispatches MAC commands, records the uplink for the application and, if
// warranted, schedules a response downlink.
func HandleUplink(ctx context.Context, rxPacket models.RXPacket) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.New("uplink: expected *lorawan.MACPayload")
	}

	rc := storage.RedisPool()

	b, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get region band")
	}

	txCh, err := helpers.GetDataRateIndex(rxPacket.TXInfo, b)
	if err != nil {
		txCh = 0
	}

	status, fullFCnt, d, s, err := storage.GetDeviceForPHYAndIncrFCntUp(
		ctx, rc, nsConf.Scheduler.ClassAKLockDuration, rxPacket.RegionConfigID,
		rxPacket.PHYPayload, rxPacket.DR, txCh,
	)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidMIC) {
			log.WithField("dev_addr", macPL.FHDR.DevAddr).Debug("uplink: no device-session mic matched")
			return nil
		}
		if errors.Is(err, errs.ErrDeviceIsDisabled) {
			log.WithField("dev_addr", macPL.FHDR.DevAddr).Debug("uplink: matched device-session belongs to a disabled device")
			return nil
		}
		return errors.Wrap(err, "get device-session for uplink")
	}

	dp, err := storage.GetDeviceProfile(ctx, d.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device profile")
	}

	switch status {
	case storage.ValidationRetransmission:
		log.WithFields(log.Fields{"dev_eui": s.DevEUI, "f_cnt": fullFCnt}).Debug("uplink: retransmission, skipping")
		integration.HandleLogEvent(ctx, integration.LogEvent{
			DeviceInfo:  deviceInfo(d, dp),
			Level:       "INFO",
			Code:        "UplinkFCntRetransmission",
			Description: "uplink was a retransmission of the previous frame-counter",
		})
		return nil
	case storage.ValidationReset:
		log.WithFields(log.Fields{"dev_eui": s.DevEUI, "f_cnt": fullFCnt}).Warning("uplink: frame-counter reset detected")
		integration.HandleLogEvent(ctx, integration.LogEvent{
			DeviceInfo:  deviceInfo(d, dp),
			Level:       "WARNING",
			Code:        "UplinkFCntReset",
			Description: "device's uplink frame-counter was reset",
		})
	}

	if err := recordGatewayRXInfo(ctx, deviceTenantID(ctx, d), s.DevEUI, rxPacket); err != nil {
		log.WithError(err).WithField("dev_eui", s.DevEUI).Warning("uplink: save gateway rx-info")
	}

	maxSNR, maxRSSI, gwCount := rxSummary(rxPacket)
	s.AppendUplinkHistory(storage.UplinkHistory{
		FCnt:         fullFCnt,
		MaxSNR:       maxSNR,
		MaxRSSI:      maxRSSI,
		TXPowerIndex: s.TXPowerIndex,
		GatewayCount: gwCount,
	})
	s.DR = rxPacket.DR

	var fOpts []lorawan.MACCommand
	if len(macPL.FHDR.FOpts) > 0 {
		raw := macPL.FHDR.FOpts
		if s.GetMACVersion() == lorawan.LoRaWAN1_1 {
			decrypted, err := lorawan.EncryptFRMPayload(s.NwkSEncKey, true, s.DevAddr, fullFCnt, raw)
			if err != nil {
				return errors.Wrap(err, "decrypt fopts")
			}
			raw = decrypted
		}
		fOpts, err = maccommand.Decode(true, raw)
		if err != nil {
			log.WithError(err).WithField("dev_eui", s.DevEUI).Warning("uplink: decode fopts")
			fOpts = nil
		}
	}

	var fPort uint8
	var data []byte
	if macPL.FPort != nil {
		fPort = *macPL.FPort

		key := s.NwkSEncKey
		if fPort != 0 {
			var err error
			key, err = appSKeyFromEnvelope(s.AppSKeyEnvelope)
			if err != nil {
				return errors.Wrap(err, "decode app session key")
			}
		}
		if err := rxPacket.PHYPayload.DecryptFRMPayload(key); err != nil {
			return errors.Wrap(err, "decrypt frm payload")
		}
		data = framePayloadBytes(macPL)

		if fPort == 0 {
			cmds, err := maccommand.Decode(true, data)
			if err != nil {
				log.WithError(err).WithField("dev_eui", s.DevEUI).Warning("uplink: decode f_port=0 commands")
			} else {
				fOpts = append(fOpts, cmds...)
			}
			data = nil
		}
	}

	requiredSNR := requiredSNRForDR(b, s.DR)
	resp, mustSend, err := maccommand.DispatchUplink(ctx, rc, b, &s, time.Now(), maxSNR, requiredSNR, gwCount, fOpts)
	if err != nil {
		log.WithError(err).WithField("dev_eui", s.DevEUI).Error("uplink: dispatch mac commands")
	}

	maxDR := 0
	for _, idx := range b.GetUplinkChannelIndices() {
		if idx > maxDR {
			maxDR = idx
		}
	}
	if adrCmd, changed, err := maccommand.RequestADRChange(b, dp.ADRAlgorithmID, s, nsConf.InstallationMargin, requiredSNR, 0, maxDR); err != nil {
		log.WithError(err).WithField("dev_eui", s.DevEUI).Error("uplink: adr")
	} else if changed {
		resp = append(resp, adrCmd)
		mustSend = true
	}

	if maccommand.RequestDevStatus(nsConf.DeviceStatusReqInterval, s.LastDevStatusRequested, time.Now()) {
		resp = append(resp, maccommand.DevStatusReq())
		s.LastDevStatusRequested = time.Now()
		mustSend = true
	}

	if fPort == multicastsetup.FPort && len(data) > 0 {
		if err := dispatchMulticastSetup(ctx, rc, d, data); err != nil {
			log.WithError(err).WithField("dev_eui", s.DevEUI).Error("uplink: dispatch multicast-setup command")
		}
	} else if fPort != 0 && len(data) > 0 {
		integration.HandleUplinkEvent(ctx, integration.UplinkEvent{
			DeviceInfo: deviceInfo(d, dp),
			DevAddr:    s.DevAddr,
			FCnt:       fullFCnt,
			FPort:      fPort,
			DR:         s.DR,
			Frequency:  rxPacket.TXInfo.Frequency,
			RXInfo:     rxInfoEvents(rxPacket),
			Data:       data,
		})
	}

	if macPL.FHDR.FCtrl.ACK {
		if pending, err := storage.GetPendingDeviceQueueItemForDevEUI(ctx, d.DevEUI); err == nil {
			if err := storage.DeleteDeviceQueueItem(ctx, pending.ID); err != nil {
				log.WithError(err).WithField("id", pending.ID).Warning("uplink: delete acknowledged device-queue item")
			}
			fCntDown := uint32(0)
			if pending.FCntDown != nil {
				fCntDown = *pending.FCntDown
			}
			integration.HandleAckEvent(ctx, integration.AckEvent{
				DeviceInfo:   deviceInfo(d, dp),
				QueueItemID:  fmt.Sprintf("%d", pending.ID),
				Acknowledged: true,
				FCntDown:     fCntDown,
			})
		} else if !errors.Is(err, errs.ErrDoesNotExist) {
			log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("uplink: get pending device-queue item for ack")
		}
	}

	if err := storage.SaveDeviceSession(ctx, rc, s); err != nil {
		return errors.Wrap(err, "save device-session")
	}

	now := time.Now()
	d.LastSeenAt = &now
	if err := storage.UpdateDevice(ctx, &d); err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("uplink: update device last-seen")
	}

	hasQueueItem := false
	if _, err := storage.GetNextDeviceQueueItemForDevEUI(ctx, d.DevEUI); err == nil {
		hasQueueItem = true
	}

	if mustSend || hasQueueItem || macPL.FHDR.FCtrl.ACK {
		delay := nsConf.DownlinkDataDelay
		rxCopy, sCopy, dCopy, dpCopy, respCopy := rxPacket, s, d, dp, resp
		time.AfterFunc(delay, func() {
			if err := RespondToUplink(context.Background(), rxCopy, dCopy, dpCopy, sCopy, respCopy); err != nil {
				log.WithError(err).WithField("dev_eui", dCopy.DevEUI).Error("uplink: schedule response downlink")
			}
		})
	}

	return nil
}

// recordGatewayRXInfo persists rxPacket's per-gateway reception metadata
// for devEUI, dropping any entry from a gateway that is privately owned by
// a tenant other than tenantID: a competitor's gateway hearing this device
// must never surface in its own tenant's gateway-RSSI history or become a
// downlink candidate.
func recordGatewayRXInfo(ctx context.Context, tenantID string, devEUI lorawan.EUI64, rxPacket models.RXPacket) error {
	ids := make([]lorawan.EUI64, 0, len(rxPacket.RXInfoSet))
	for _, rx := range rxPacket.RXInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayID)
		ids = append(ids, id)
	}
	tenants, err := storage.GetGatewayTenantsForIDs(ctx, ids)
	if err != nil {
		return err
	}

	var items []storage.DeviceGatewayRXInfo
	for _, rx := range rxPacket.RXInfoSet {
		var gwID lorawan.EUI64
		copy(gwID[:], rx.GatewayID)

		if gt, ok := tenants[gwID]; ok && gt.PrivateUplink && gt.TenantID != tenantID {
			continue
		}

		items = append(items, storage.DeviceGatewayRXInfo{
			GatewayID: gwID,
			RSSI:      int(rx.RSSI),
			LoRaSNR:   rx.SNR,
			Board:     rx.Board,
			Antenna:   rx.Antenna,
		})
	}

	return storage.SaveDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), storage.DeviceGatewayRXInfoSet{
		DevEUI: devEUI,
		DR:     rxPacket.DR,
		Items:  items,
	})
}

func rxSummary(rxPacket models.RXPacket) (maxSNR float64, maxRSSI int, count int) {
	for i, rx := range rxPacket.RXInfoSet {
		if i == 0 || rx.SNR > maxSNR {
			maxSNR = rx.SNR
		}
		if i == 0 || rx.RSSI > int32(maxRSSI) {
			maxRSSI = int(rx.RSSI)
		}
	}
	return maxSNR, maxRSSI, len(rxPacket.RXInfoSet)
}

func rxInfoEvents(rxPacket models.RXPacket) []integration.RXInfo {
	out := make([]integration.RXInfo, 0, len(rxPacket.RXInfoSet))
	for _, rx := range rxPacket.RXInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayID)
		out = append(out, integration.RXInfo{GatewayID: id, RSSI: rx.RSSI, SNR: rx.SNR})
	}
	return out
}

// dispatchMulticastSetup hands an FPort=200 FRMPayload to the
// remote multicast-setup package and, if it produced an answer, queues it
// as the device's next unconfirmed downlink.
func dispatchMulticastSetup(ctx context.Context, rc *redis.Client, d storage.Device, data []byte) error {
	dk, err := storage.GetDeviceKeys(ctx, d.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device_keys")
	}

	answer, err := multicastsetup.Dispatch(ctx, rc, d.DevEUI, dk.AppKey, data)
	if err != nil {
		return err
	}
	if len(answer) == 0 {
		return nil
	}

	qi := storage.DeviceQueueItem{
		DevEUI:     d.DevEUI,
		FPort:      multicastsetup.FPort,
		FRMPayload: answer,
	}
	return storage.CreateDeviceQueueItem(ctx, &qi)
}

// deviceTenantID resolves d's owning tenant ID, degrading to "" on lookup
// failure, used to decide whether a gateway's private-uplink flag should
// exclude its RX metadata for this device.
func deviceTenantID(ctx context.Context, d storage.Device) string {
	app, err := storage.GetApplication(ctx, d.ApplicationID)
	if err != nil {
		return ""
	}
	return app.TenantID
}

func appSKeyFromEnvelope(ke *storage.KeyEnvelope) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	if ke == nil {
		return key, errors.New("uplink: device-session has no app session key")
	}
	if ke.KEKLabel != "" {
		return key, errors.New("uplink: kek-wrapped app session keys are not supported")
	}
	if len(ke.AESKey) != len(key) {
		return key, errors.New("uplink: app session key has the wrong length")
	}
	copy(key[:], ke.AESKey)
	return key, nil
}

func framePayloadBytes(macPL *lorawan.MACPayload) []byte {
	if len(macPL.FRMPayload) == 0 {
		return nil
	}
	if dp, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
		return dp.Bytes
	}
	return nil
}
