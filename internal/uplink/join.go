package uplink

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// HandleJoinRequest validates rxPacket as an OTAA join, derives a fresh
// session and schedules the JoinAccept.
func HandleJoinRequest(ctx context.Context, rxPacket models.RXPacket, d storage.Device, dp storage.DeviceProfile) error {
	jrPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return errors.New("uplink: expected *lorawan.JoinRequestPayload")
	}

	dk, err := storage.GetDeviceKeys(ctx, d.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device_keys")
	}

	micOK, err := rxPacket.PHYPayload.ValidateUplinkJoinMIC(dk.NwkKey)
	if err != nil {
		return errors.Wrap(err, "validate join-request mic")
	}
	if !micOK {
		return errs.ErrInvalidMIC
	}

	dk, err = dk.ValidateAndUseDevNonce(jrPL.DevNonce)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidDevNonce) {
			integration.HandleLogEvent(ctx, integration.LogEvent{
				DeviceInfo:  deviceInfo(d, dp),
				Level:       "ERROR",
				Code:        "UplinkJoinRequestDevNonceReuse",
				Description: "DevNonce has already been used",
			})
		}
		return err
	}

	b, err := band.Get(dp.RegionConfigID)
	if err != nil {
		return errors.Wrap(err, "get region band")
	}

	devAddr, err := storage.GetRandomDevAddr(netIDFromConfig())
	if err != nil {
		return errors.Wrap(err, "get random dev_addr")
	}

	s := storage.DeviceSession{
		MACVersion:     dp.MACVersion,
		RegionConfigID: dp.RegionConfigID,
		DeviceProfileID: dp.ID,
		DevAddr:        devAddr,
		DevEUI:         d.DevEUI,
		JoinEUI:        jrPL.JoinEUI,
	}
	s.ResetToBootParameters(dp)

	joinNonce := dk.JoinNonce
	fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := deriveSessionKeys(dk, s, uint32(joinNonce), jrPL.DevNonce)
	if err != nil {
		return errors.Wrap(err, "derive session keys")
	}
	s.FNwkSIntKey = fNwkSIntKey
	s.SNwkSIntKey = sNwkSIntKey
	s.NwkSEncKey = nwkSEncKey
	s.AppSKeyEnvelope = &storage.KeyEnvelope{AESKey: appSKey[:]}

	jaPL := lorawan.JoinAcceptPayload{
		JoinNonce: lorawan.JoinNonce(joinNonce),
		HomeNetID: netIDFromConfig(),
		DevAddr:   devAddr,
		DLSettings: lorawan.DLSettings{
			RX2DataRate: uint8(s.RX2DR),
			RX1DROffset: s.RX1DROffset,
		},
		RXDelay: s.RXDelay,
		CFList:  b.GetCFList(dp.MACVersion),
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &jaPL,
	}
	if err := phy.SetDownlinkJoinMIC(lorawan.JoinRequestType, jrPL.JoinEUI, jrPL.DevNonce, dk.NwkKey); err != nil {
		return errors.Wrap(err, "set join-accept mic")
	}
	if err := phy.EncryptJoinAcceptPayload(dk.NwkKey); err != nil {
		return errors.Wrap(err, "encrypt join-accept")
	}

	if err := storage.UpdateDeviceKeys(ctx, &dk); err != nil {
		return errors.Wrap(err, "update device_keys")
	}

	if err := storage.SaveDeviceSession(ctx, storage.RedisPool(), s); err != nil {
		return errors.Wrap(err, "save device-session")
	}
	if err := storage.FlushDeviceQueueForDevEUI(ctx, d.DevEUI); err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("uplink: flush device queue on join")
	}

	d.DevAddr = &devAddr
	d.LastSeenAt = timePtr(time.Now())
	if err := storage.UpdateDevice(ctx, &d); err != nil {
		return errors.Wrap(err, "update device")
	}

	if err := scheduleJoinAccept(ctx, phy, rxPacket); err != nil {
		return errors.Wrap(err, "schedule join-accept")
	}

	integration.HandleJoinEvent(ctx, integration.JoinEvent{
		DeviceInfo: deviceInfo(d, dp),
		DevAddr:    devAddr,
	})

	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func netIDFromConfig() lorawan.NetID {
	return netID
}

var netID lorawan.NetID

// SetNetID installs the network server's own NetID, used to build
// DevAddrs and JoinAccept HomeNetID.
func SetNetID(id lorawan.NetID) {
	netID = id
}

// deriveSessionKeys derives the session keys (FNwkSIntKey == SNwkSIntKey ==
// NwkSEncKey == NwkSKey for a 1.0 device, distinct per-key derivation for
// 1.1) using the AppKey/NwkKey pair and the join material. For 1.1 the
// brocaar/lorawan helpers apply the KDF constants 0x01 FNwkSIntKey,
// 0x02 AppSKey, 0x03 SNwkSIntKey and 0x04 NwkSEncKey.
func deriveSessionKeys(dk storage.DeviceKeys, s storage.DeviceSession, joinNonce uint32, devNonce lorawan.DevNonce) (fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey lorawan.AES128Key, err error) {
	isV11 := s.GetMACVersion() == lorawan.LoRaWAN1_1

	var jn lorawan.JoinNonce = lorawan.JoinNonce(joinNonce)

	if isV11 {
		fNwkSIntKey, err = lorawan.GetFNwkSIntKey(dk.NwkKey, jn, s.JoinEUI, devNonce)
		if err != nil {
			return
		}
		sNwkSIntKey, err = lorawan.GetSNwkSIntKey(dk.NwkKey, jn, s.JoinEUI, devNonce)
		if err != nil {
			return
		}
		nwkSEncKey, err = lorawan.GetNwkSEncKey(dk.NwkKey, jn, s.JoinEUI, devNonce)
		if err != nil {
			return
		}
		appSKey, err = lorawan.GetAppSKey(false, dk.AppKey, jn, s.JoinEUI, devNonce)
		return
	}

	nwkSKey, err := lorawan.GetLegacyNwkSKey(dk.NwkKey, jn, s.JoinEUI, devNonce)
	if err != nil {
		return
	}
	fNwkSIntKey, sNwkSIntKey, nwkSEncKey = nwkSKey, nwkSKey, nwkSKey

	appSKey, err = lorawan.GetLegacyAppSKey(dk.AppKey, jn, s.JoinEUI, devNonce)
	return
}

// scheduleJoinAccept sends phy in response to rxPacket as a single RX1 item
// (the uplink's frequency, 5 s after reception) to the first gateway in
// rxPacket.RXInfoSet, through the region's gateway backend. No RX2 item is
// scheduled.
func scheduleJoinAccept(ctx context.Context, phy lorawan.PHYPayload, rxPacket models.RXPacket) error {
	phyB, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal join-accept")
	}

	if len(rxPacket.RXInfoSet) == 0 {
		return errs.ErrNoLastRXInfoSet
	}
	rx := rxPacket.RXInfoSet[0]

	frame := gw.DownlinkFrame{
		GatewayID: rx.GatewayID,
		Items: []gw.DownlinkFrameItem{
			{
				PHYPayload: phyB,
				TxInfo: &gw.DownlinkTXInfo{
					Frequency: rxPacket.TXInfo.Frequency,
					Timing: gw.DownlinkTiming{
						Timing: gw.TimingDelay,
						Delay:  durationPtr(5 * time.Second),
					},
				},
			},
		},
	}

	backend, err := gatewayBackendForRegion(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}
	return backend.SendDownlinkFrame(frame)
}

func durationPtr(d time.Duration) *time.Duration { return &d }
