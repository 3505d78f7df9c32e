package uplink

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/helpers"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// Setup wires the uplink pipeline: the deduplication window, the
// network-server-wide settings the data pipeline needs, this server's own
// NetID, and the uplink-frame callback on every configured region's
// gateway backend.
func Setup(conf config.Config) error {
	setupDedup(conf)
	SetupDataConfig(conf.NetworkServer)

	netIDBytes, err := hex.DecodeString(conf.NetworkServer.NetID)
	if err != nil || len(netIDBytes) != 3 {
		return errors.Errorf("uplink: invalid net_id %q", conf.NetworkServer.NetID)
	}
	var id lorawan.NetID
	copy(id[:], netIDBytes)
	SetNetID(id)

	for _, r := range conf.NetworkServer.Regions {
		regionConfigID := r.ID
		b, err := gwbackend.Get(regionConfigID)
		if err != nil {
			return errors.Wrapf(err, "get gateway backend for region %s", regionConfigID)
		}
		b.SetUplinkFrameFunc(func(frame gw.UplinkFrame) {
			if err := handleReceivedUplinkFrame(regionConfigID, frame); err != nil {
				log.WithError(err).Error("uplink: handle received frame")
			}
		})
	}

	return nil
}

func handleReceivedUplinkFrame(regionConfigID string, frame gw.UplinkFrame) error {
	rc := storage.RedisPool()

	b, err := band.Get(regionConfigID)
	if err != nil {
		return errors.Wrap(err, "get region band")
	}

	dr := 0
	if frame.TxInfo != nil {
		if i, err := helpers.GetDataRateIndex(frame.TxInfo, b); err == nil {
			dr = i
		}
	}

	return collectAndCallOnce(rc, frame, func(rxPacket models.RXPacket) error {
		rxPacket.DR = dr
		rxPacket.RegionConfigID = regionConfigID
		return handleRXPacket(rxPacket)
	})
}

func handleRXPacket(rxPacket models.RXPacket) error {
	ctx := context.Background()

	switch rxPacket.PHYPayload.MHDR.MType {
	case lorawan.JoinRequest:
		return handleJoin(ctx, rxPacket)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return HandleUplink(ctx, rxPacket)
	default:
		log.WithField("mtype", rxPacket.PHYPayload.MHDR.MType).Debug("uplink: ignoring unsupported mtype")
		return nil
	}
}

func handleJoin(ctx context.Context, rxPacket models.RXPacket) error {
	jrPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return errors.New("uplink: expected *lorawan.JoinRequestPayload")
	}

	d, err := storage.GetDevice(ctx, jrPL.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device for join-request")
	}

	dp, err := storage.GetDeviceProfile(ctx, d.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device profile for join-request")
	}

	return HandleJoinRequest(ctx, rxPacket, d, dp)
}
