// Package downlink builds and schedules the Class-A/B/C response frames a
// device-session's pending MAC commands and queued application payload
// produce.
package downlink

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/maccommand"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// HandleResponse assembles and schedules the Class-A downlink answering
// rxPacket, if a pending MAC command or queued application payload (or a
// plain empty ACK) justifies one.
func HandleResponse(ctx context.Context, rxPacket models.RXPacket, d storage.Device, dp storage.DeviceProfile, s storage.DeviceSession, macCommands []lorawan.MACCommand) error {
	if len(rxPacket.RXInfoSet) == 0 {
		return errs.ErrNoLastRXInfoSet
	}

	b, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get region band")
	}

	rx1DR, err := b.GetRX1DataRateIndex(s.DR, int(s.RX1DROffset))
	if err != nil {
		return errors.Wrap(err, "get rx1 data-rate")
	}

	maxSize, err := b.GetMaxPayloadSizeForDataRateIndex(dp.MACVersion, dp.RegParamsRevision, rx1DR)
	if err != nil {
		return errors.Wrap(err, "get max payload size")
	}

	qr, err := storage.GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx, d.DevEUI, maxSize.N, s.NFCntDown)
	if err != nil {
		return errors.Wrap(err, "get next device-queue item")
	}
	fireSkippedQueueItemEvents(ctx, d, dp, qr.Skipped)

	var fPort uint8
	var frmPayload []byte
	confirmed := false
	var itemID *int64

	if qr.Outcome == storage.QueueItemAccepted {
		fPort = qr.Item.FPort
		frmPayload = qr.Item.FRMPayload
		confirmed = qr.Item.Confirmed
		id := qr.Item.ID
		itemID = &id
	}

	fOptsPlain, err := maccommand.Encode(macCommands)
	if err != nil {
		return errors.Wrap(err, "encode mac commands")
	}

	encryptedFOpts := false
	fOpts := fOptsPlain
	if len(fOpts) > 0 && s.GetMACVersion() == lorawan.LoRaWAN1_1 {
		fOpts, err = lorawan.EncryptFRMPayload(s.NwkSEncKey, false, s.DevAddr, s.NFCntDown, fOptsPlain)
		if err != nil {
			return errors.Wrap(err, "encrypt fopts")
		}
		encryptedFOpts = true
	}

	if len(fOpts) > 15 && fPort != 0 {
		// Too many pending MAC commands to fit in FOpts alongside an
		// application payload; push them down FPort=0 and drop the payload
		// for this frame instead of truncating.
		fPort = 0
		frmPayload = fOptsPlain
		fOpts = nil
		encryptedFOpts = false
		itemID = nil
	}

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.DevAddr,
			FCtrl: lorawan.FCtrl{
				ACK:      rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp,
				FPending: len(qr.Skipped) > 0,
			},
			FCnt:  s.NFCntDown,
			FOpts: fOpts,
		},
	}

	if len(frmPayload) > 0 || qr.Outcome == storage.QueueItemAccepted {
		macPL.FPort = &fPort

		key := s.NwkSEncKey
		if fPort != 0 {
			key, err = appSKey(s.AppSKeyEnvelope)
			if err != nil {
				return err
			}
		}

		macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: frmPayload}}
		phyTmp := lorawan.PHYPayload{MACPayload: &macPL}
		if err := phyTmp.EncryptFRMPayload(key); err != nil {
			return errors.Wrap(err, "encrypt frm payload")
		}
		macPL = *(phyTmp.MACPayload.(*lorawan.MACPayload))
	}

	mType := lorawan.UnconfirmedDataDown
	if confirmed {
		mType = lorawan.ConfirmedDataDown
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &macPL,
	}
	if err := phy.SetDownlinkDataMIC(s.GetMACVersion(), s.ConfFCnt, s.SNwkSIntKey); err != nil {
		return errors.Wrap(err, "set downlink data mic")
	}

	phyB, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phy payload")
	}

	tenantID := deviceTenantID(d)
	rx, err := selectDownlinkGateway(ctx, b, s.DR, tenantID, rxPacket.RXInfoSet)
	if err != nil {
		return errors.Wrap(err, "select downlink gateway")
	}
	rx1Freq, err := b.GetRX1FrequencyForUplinkFrequency(int(rxPacket.TXInfo.Frequency))
	if err != nil {
		return errors.Wrap(err, "get rx1 frequency")
	}

	var items []gw.DownlinkFrameItem
	rx1Item := gw.DownlinkFrameItem{
		PHYPayload: phyB,
		TxInfo: &gw.DownlinkTXInfo{
			Frequency: uint32(rx1Freq),
			Timing: gw.DownlinkTiming{
				Timing: gw.TimingDelay,
				Delay:  durationPtr(time.Duration(s.RXDelay) * time.Second),
			},
		},
	}
	rx2Item := gw.DownlinkFrameItem{
		PHYPayload: phyB,
		TxInfo: &gw.DownlinkTXInfo{
			Frequency: uint32(s.RX2Frequency),
			Timing: gw.DownlinkTiming{
				Timing: gw.TimingDelay,
				Delay:  durationPtr(time.Duration(s.RXDelay+1) * time.Second),
			},
		},
	}

	switch rxWindow(dp, b, s.DR) {
	case 1:
		items = []gw.DownlinkFrameItem{rx1Item}
	case 2:
		items = []gw.DownlinkFrameItem{rx2Item}
	default:
		items = []gw.DownlinkFrameItem{rx1Item, rx2Item}
	}

	df := storage.DownlinkFrame{
		DevEUI:            d.DevEUI,
		DeviceQueueItemID: itemID,
		EncryptedFOpts:    encryptedFOpts,
		NwkSEncKey:        s.NwkSEncKey,
		DownlinkFrame: gw.DownlinkFrame{
			GatewayID: rx.GatewayID,
			Items:     items,
		},
	}

	if err := storage.SaveDownlinkFrame(ctx, storage.RedisPool(), &df); err != nil {
		return errors.Wrap(err, "save downlink-frame")
	}

	backend, err := gwbackend.Get(rxPacket.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get gateway backend")
	}
	if err := backend.SendDownlinkFrame(df.DownlinkFrame); err != nil {
		return errors.Wrap(err, "send downlink frame")
	}

	// itemID is nil when the queue item's payload was bumped by a FOpts
	// overflow (see above): it was never actually put on the air this
	// frame, so it must stay queued rather than being deleted/confirmed.
	if itemID != nil && qr.Outcome == storage.QueueItemAccepted && !confirmed {
		if err := storage.DeleteDeviceQueueItem(ctx, qr.Item.ID); err != nil {
			log.WithError(err).WithField("id", qr.Item.ID).Warning("downlink: delete sent device-queue item")
		}
	} else if itemID != nil && qr.Outcome == storage.QueueItemAccepted && confirmed {
		qr.Item.IsPending = true
		if err := storage.UpdateDeviceQueueItem(ctx, &qr.Item); err != nil {
			log.WithError(err).WithField("id", qr.Item.ID).Warning("downlink: mark confirmed device-queue item pending")
		}
	}

	s.NFCntDown++
	s.LastDownlinkTX = time.Now()
	if err := storage.SaveDeviceSession(ctx, storage.RedisPool(), s); err != nil {
		return errors.Wrap(err, "save device-session")
	}

	return nil
}

func appSKey(ke *storage.KeyEnvelope) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	if ke == nil {
		return key, errors.New("downlink: device-session has no app session key")
	}
	if ke.KEKLabel != "" {
		return key, errors.New("downlink: kek-wrapped app session keys are not supported")
	}
	if len(ke.AESKey) != len(key) {
		return key, errors.New("downlink: app session key has the wrong length")
	}
	copy(key[:], ke.AESKey)
	return key, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// selectDownlinkGateway picks which gateway among rxInfoSet answers a
// Class-A downlink: gateways privately owned by a tenant other than
// tenantID are excluded, then the remaining candidates are ranked by link
// margin (SNR minus the SNR the uplink data-rate requires to demodulate),
// favoring the highest margin unless network_server.gateway_prefer_min_margin
// asks for the weakest link that still closes (the lowest non-negative
// margin, or the highest margin when none closes), to spread load toward
// gateways that barely hear the device instead of always picking the
// strongest one. It returns an error when no candidate remains.
func selectDownlinkGateway(ctx context.Context, b loraband.Band, uplinkDR int, tenantID string, rxInfoSet []*gw.UplinkRXInfo) (*gw.UplinkRXInfo, error) {
	if len(rxInfoSet) == 0 {
		return nil, errs.ErrNoLastRXInfoSet
	}

	ids := make([]lorawan.EUI64, 0, len(rxInfoSet))
	for _, rx := range rxInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayID)
		ids = append(ids, id)
	}

	tenants, err := storage.GetGatewayTenantsForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]*gw.UplinkRXInfo, 0, len(rxInfoSet))
	for _, rx := range rxInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayID)
		if gt, ok := tenants[id]; ok && gt.PrivateDownlink && gt.TenantID != tenantID {
			continue
		}
		candidates = append(candidates, rx)
	}
	if len(candidates) == 0 {
		return nil, errors.New("no downlink gateway left after the private-gateway filter")
	}

	requiredSNR := requiredSNRForDR(b, uplinkDR)

	best := candidates[0]
	bestMargin := best.SNR - requiredSNR
	for _, rx := range candidates[1:] {
		margin := rx.SNR - requiredSNR
		if nsConf.GatewayPreferMinMargin && margin >= 0 {
			if bestMargin < 0 || margin < bestMargin {
				best, bestMargin = rx, margin
			}
		} else if margin > bestMargin {
			best, bestMargin = rx, margin
		}
	}
	return best, nil
}

// rxWindow resolves the RX window HandleResponse should use for this
// downlink: dp.RXWindow pins RX1 (1) or RX2 (2) when set, otherwise RX2 is
// preferred over RX1 when the uplink's data-rate is below
// network_server.rx2_prefer_on_rx1_dr_lt, or when
// network_server.rx2_prefer_on_link_budget asks for RX2's better link
// budget outright. 0 means "send both", matching the teacher's original
// unconditional behavior for devices with no profile/config preference.
func rxWindow(dp storage.DeviceProfile, b loraband.Band, uplinkDR int) int {
	if dp.RXWindow == 1 || dp.RXWindow == 2 {
		return dp.RXWindow
	}
	if nsConf.RX2PreferOnLinkBudget {
		return 2
	}
	if nsConf.RX2PreferOnRX1DRLt > 0 && uplinkDR < nsConf.RX2PreferOnRX1DRLt {
		return 2
	}
	return 0
}

// fireSkippedQueueItemEvents reports every queue item
// GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt dropped before
// reaching a usable item: a timed-out confirmed item never gets its ack, so
// it fires acknowledged=false; an oversized item fires a log event instead,
// since no frame was ever sent for it to acknowledge.
func fireSkippedQueueItemEvents(ctx context.Context, d storage.Device, dp storage.DeviceProfile, skipped []storage.NextDeviceQueueItemResult) {
	for _, sk := range skipped {
		switch sk.Outcome {
		case storage.QueueItemTimedOut:
			integration.HandleAckEvent(ctx, integration.AckEvent{
				DeviceInfo:   deviceInfo(d, dp),
				QueueItemID:  fmt.Sprintf("%d", sk.Item.ID),
				Acknowledged: false,
				FCntDown:     derefFCntDown(sk.Item.FCntDown),
			})
		case storage.QueueItemTooLarge:
			integration.HandleLogEvent(ctx, integration.LogEvent{
				DeviceInfo:  deviceInfo(d, dp),
				Level:       "WARNING",
				Code:        "DownlinkPayloadSize",
				Description: fmt.Sprintf("downlink queue item %d exceeds the max payload size for the current data-rate", sk.Item.ID),
			})
		}
	}
}

func derefFCntDown(f *uint32) uint32 {
	if f == nil {
		return 0
	}
	return *f
}
