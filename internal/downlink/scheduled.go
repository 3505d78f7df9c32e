package downlink

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/maccommand"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// HandleScheduledResponse sends one Class-B/C downlink outside the RX1/RX2
// window of an uplink: the frame always goes out on the session's RX2
// data-rate/frequency, on the gateway that last heard this device, timed
// either immediately (Class C) or at a given GPS-epoch ping-slot instant
// (Class B, via timeSinceGPSEpoch).
func HandleScheduledResponse(ctx context.Context, d storage.Device, dp storage.DeviceProfile, s storage.DeviceSession, timeSinceGPSEpoch *time.Duration) error {
	b, err := band.Get(s.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get region band")
	}

	maxSize, err := b.GetMaxPayloadSizeForDataRateIndex(dp.MACVersion, dp.RegParamsRevision, int(s.RX2DR))
	if err != nil {
		return errors.Wrap(err, "get max payload size")
	}

	qr, err := storage.GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx, d.DevEUI, maxSize.N, s.NFCntDown)
	if err != nil {
		return errors.Wrap(err, "get next device-queue item")
	}
	fireSkippedQueueItemEvents(ctx, d, dp, qr.Skipped)
	if qr.Outcome != storage.QueueItemAccepted {
		return nil
	}

	rxInfoSet, err := storage.GetDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), d.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device gateway rx-info set")
	}
	if len(rxInfoSet.Items) == 0 {
		return errors.New("no known gateway for device")
	}
	gwID := rxInfoSet.Items[0].GatewayID[:]

	fOpts, err := maccommand.Encode(nil)
	if err != nil {
		return errors.Wrap(err, "encode mac commands")
	}

	macPL := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.DevAddr,
			FCnt:    s.NFCntDown,
			FOpts:   fOpts,
		},
		FPort: &qr.Item.FPort,
	}

	key := s.NwkSEncKey
	if qr.Item.FPort != 0 {
		key, err = appSKey(s.AppSKeyEnvelope)
		if err != nil {
			return err
		}
	}

	macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: qr.Item.FRMPayload}}
	phyTmp := lorawan.PHYPayload{MACPayload: &macPL}
	if err := phyTmp.EncryptFRMPayload(key); err != nil {
		return errors.Wrap(err, "encrypt frm payload")
	}
	macPL = *(phyTmp.MACPayload.(*lorawan.MACPayload))

	mType := lorawan.UnconfirmedDataDown
	if qr.Item.Confirmed {
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

	timing := gw.DownlinkTiming{Timing: gw.TimingImmediately}
	if timeSinceGPSEpoch != nil {
		timing = gw.DownlinkTiming{Timing: gw.TimingGPSEpoch, TimeSinceGPSEpoch: timeSinceGPSEpoch}
	}

	df := storage.DownlinkFrame{
		DevEUI:            d.DevEUI,
		DeviceQueueItemID: &qr.Item.ID,
		NwkSEncKey:        s.NwkSEncKey,
		DownlinkFrame: gw.DownlinkFrame{
			GatewayID: gwID,
			Items: []gw.DownlinkFrameItem{
				{
					PHYPayload: phyB,
					TxInfo: &gw.DownlinkTXInfo{
						Frequency: uint32(s.RX2Frequency),
						Timing:    timing,
					},
				},
			},
		},
	}

	if err := storage.SaveDownlinkFrame(ctx, storage.RedisPool(), &df); err != nil {
		return errors.Wrap(err, "save downlink-frame")
	}

	backend, err := gwbackend.Get(s.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get gateway backend")
	}
	if err := backend.SendDownlinkFrame(df.DownlinkFrame); err != nil {
		return errors.Wrap(err, "send downlink frame")
	}

	if !qr.Item.Confirmed {
		if err := storage.DeleteDeviceQueueItem(ctx, qr.Item.ID); err != nil {
			log.WithError(err).WithField("id", qr.Item.ID).Warning("downlink: delete sent device-queue item")
		}
	} else {
		qr.Item.IsPending = true
		if err := storage.UpdateDeviceQueueItem(ctx, &qr.Item); err != nil {
			log.WithError(err).WithField("id", qr.Item.ID).Warning("downlink: mark confirmed device-queue item pending")
		}
	}

	s.NFCntDown++
	s.LastDownlinkTX = time.Now()
	return storage.SaveDeviceSession(ctx, storage.RedisPool(), s)
}
