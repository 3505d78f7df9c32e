package downlink

import (
	"context"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
	"github.com/chirpstack/chirpstack-sub001/internal/test"
)

// fakeGatewayBackend records every frame it was asked to send, standing in
// for the MQTT bridge in tests.
type fakeGatewayBackend struct {
	mu    sync.Mutex
	sent  []gw.DownlinkFrame
}

func (b *fakeGatewayBackend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeGatewayBackend) SetUplinkFrameFunc(f func(gw.UplinkFrame))         {}
func (b *fakeGatewayBackend) SetDownlinkTXAckFunc(f func(gw.DownlinkTXAck))     {}
func (b *fakeGatewayBackend) SetGatewayStatsFunc(f func(gw.GatewayStats))       {}
func (b *fakeGatewayBackend) Close() error                                     { return nil }

func (b *fakeGatewayBackend) last() gw.DownlinkFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

func TestHandleResponse(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	test.MustResetDB(storage.DB())
	test.MustFlushRedis(storage.RedisPool())
	if err := band.Setup(conf); err != nil {
		t.Fatalf("band setup: %s", err)
	}
	Setup(conf.NetworkServer)

	backend := &fakeGatewayBackend{}
	gwbackend.SetBackend("eu868", backend)

	ctx := context.Background()

	Convey("Given a tenant, application, device-profile, device and session", t, func() {
		tenant := storage.Tenant{ID: "t1", Name: "tenant"}
		So(storage.CreateTenant(ctx, &tenant), ShouldBeNil)
		app := storage.Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(storage.CreateApplication(ctx, &app), ShouldBeNil)
		dp := storage.DeviceProfile{
			ID:                "dp1",
			TenantID:          tenant.ID,
			Name:              "profile",
			RegionConfigID:    "eu868",
			MACVersion:        "1.0.3",
			RegParamsRevision: "B",
		}
		So(storage.CreateDeviceProfile(ctx, &dp), ShouldBeNil)

		dev := storage.Device{
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			ApplicationID:   app.ID,
			DeviceProfileID: dp.ID,
			EnabledClass:    storage.DeviceClassA,
		}
		So(storage.CreateDevice(ctx, &dev), ShouldBeNil)

		gwID := lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
		gateway := storage.Gateway{GatewayID: gwID, TenantID: tenant.ID, Name: "gw1", RegionConfigID: "eu868"}
		So(storage.CreateGateway(ctx, &gateway), ShouldBeNil)

		var netSEncKey, sNwkSIntKey, appKey lorawan.AES128Key
		copy(netSEncKey[:], []byte("0123456789012345"))
		copy(sNwkSIntKey[:], []byte("abcdefghijklmnop"))
		copy(appKey[:], []byte("fedcba9876543210"))

		s := storage.DeviceSession{
			MACVersion:      "1.0.3",
			DevAddr:         lorawan.DevAddr{1, 2, 3, 4},
			DevEUI:          dev.DevEUI,
			NwkSEncKey:      netSEncKey,
			SNwkSIntKey:     sNwkSIntKey,
			AppSKeyEnvelope: &storage.KeyEnvelope{AESKey: appKey[:]},
			RX2Frequency:    869525000,
			RXDelay:         1,
			DR:              5,
		}

		rxPacket := models.RXPacket{
			PHYPayload: lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp}},
			TXInfo:     &gw.UplinkTXInfo{Frequency: 868100000},
			RXInfoSet: []*gw.UplinkRXInfo{
				{GatewayID: gwID[:], SNR: 5},
			},
			DR:             5,
			RegionConfigID: "eu868",
		}

		Convey("When a FOpts block under 15 bytes accompanies a queued payload", func() {
			qi := storage.DeviceQueueItem{DevEUI: dev.DevEUI, FPort: 10, FRMPayload: []byte{1, 2, 3}}
			So(storage.CreateDeviceQueueItem(ctx, &qi), ShouldBeNil)

			macCmd := []lorawan.MACCommand{{CID: lorawan.DevStatusReq}}

			So(HandleResponse(ctx, rxPacket, dev, dp, s, macCmd), ShouldBeNil)

			Convey("Then the application payload is sent and the queue item is removed", func() {
				frame := backend.last()
				So(frame.Items, ShouldHaveLength, 2) // both RX1 and RX2, no window preference configured

				var phy lorawan.PHYPayload
				So(phy.UnmarshalBinary(frame.Items[0].PHYPayload), ShouldBeNil)
				macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
				So(ok, ShouldBeTrue)
				So(*macPL.FPort, ShouldEqual, uint8(10))

				_, err := storage.GetDeviceQueueItem(ctx, qi.ID)
				So(err, ShouldNotBeNil)
			})
		})

		Convey("When the pending MAC commands overflow 15 bytes alongside a queued payload", func() {
			qi := storage.DeviceQueueItem{DevEUI: dev.DevEUI, FPort: 10, FRMPayload: []byte{1, 2, 3}}
			So(storage.CreateDeviceQueueItem(ctx, &qi), ShouldBeNil)

			newChannel := func(ch uint8) lorawan.MACCommand {
				return lorawan.MACCommand{
					CID: lorawan.NewChannelReq,
					Payload: &lorawan.NewChannelReqPayload{
						ChIndex: ch,
						Freq:    868500000,
						MinDR:   0,
						MaxDR:   5,
					},
				}
			}
			macCmds := []lorawan.MACCommand{newChannel(3), newChannel(4), newChannel(5)}

			So(HandleResponse(ctx, rxPacket, dev, dp, s, macCmds), ShouldBeNil)

			Convey("Then the frame falls back to FPort=0 carrying the mac commands and the queued payload stays queued", func() {
				frame := backend.last()
				var phy lorawan.PHYPayload
				So(phy.UnmarshalBinary(frame.Items[0].PHYPayload), ShouldBeNil)
				macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
				So(ok, ShouldBeTrue)
				So(macPL.FPort, ShouldNotBeNil)
				So(*macPL.FPort, ShouldEqual, uint8(0))
				So(macPL.FHDR.FOpts, ShouldBeEmpty)

				stillQueued, err := storage.GetDeviceQueueItem(ctx, qi.ID)
				So(err, ShouldBeNil)
				So(stillQueued.ID, ShouldEqual, qi.ID)
			})
		})
	})
}

func TestRXWindowSelectionInHandleResponse(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	test.MustResetDB(storage.DB())
	test.MustFlushRedis(storage.RedisPool())
	if err := band.Setup(conf); err != nil {
		t.Fatalf("band setup: %s", err)
	}

	backend := &fakeGatewayBackend{}
	gwbackend.SetBackend("eu868", backend)
	ctx := context.Background()

	Convey("Given a device-profile pinned to RX2", t, func() {
		tenant := storage.Tenant{ID: "t1", Name: "tenant"}
		So(storage.CreateTenant(ctx, &tenant), ShouldBeNil)
		app := storage.Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(storage.CreateApplication(ctx, &app), ShouldBeNil)
		dp := storage.DeviceProfile{
			ID: "dp1", TenantID: tenant.ID, Name: "profile", RegionConfigID: "eu868",
			MACVersion: "1.0.3", RegParamsRevision: "B", RXWindow: 2,
		}
		So(storage.CreateDeviceProfile(ctx, &dp), ShouldBeNil)
		dev := storage.Device{
			DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, ApplicationID: app.ID,
			DeviceProfileID: dp.ID, EnabledClass: storage.DeviceClassA,
		}
		So(storage.CreateDevice(ctx, &dev), ShouldBeNil)
		gwID := lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
		gateway := storage.Gateway{GatewayID: gwID, TenantID: tenant.ID, Name: "gw1", RegionConfigID: "eu868"}
		So(storage.CreateGateway(ctx, &gateway), ShouldBeNil)

		var key lorawan.AES128Key
		copy(key[:], []byte("0123456789abcdef"))
		s := storage.DeviceSession{
			MACVersion: "1.0.3", DevAddr: lorawan.DevAddr{1, 2, 3, 4}, DevEUI: dev.DevEUI,
			NwkSEncKey: key, SNwkSIntKey: key, RX2Frequency: 869525000, RXDelay: 1, DR: 5,
		}
		rxPacket := models.RXPacket{
			PHYPayload:     lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp}},
			TXInfo:         &gw.UplinkTXInfo{Frequency: 868100000},
			RXInfoSet:      []*gw.UplinkRXInfo{{GatewayID: gwID[:], SNR: 5}},
			DR:             5,
			RegionConfigID: "eu868",
		}

		Convey("Then HandleResponse schedules only the RX2 item", func() {
			So(HandleResponse(ctx, rxPacket, dev, dp, s, nil), ShouldBeNil)
			frame := backend.last()
			So(frame.Items, ShouldHaveLength, 1)
			So(frame.Items[0].TxInfo.Frequency, ShouldEqual, uint32(869525000))
		})
	})
}
