package uplink

import (
	"context"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
	"github.com/chirpstack/chirpstack-sub001/internal/test"
)

// fakeJoinBackend records the frames it was asked to send, standing in for
// the gateway bridge while scheduling a JoinAccept.
type fakeJoinBackend struct {
	mu   sync.Mutex
	sent []gw.DownlinkFrame
}

func (b *fakeJoinBackend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}
func (b *fakeJoinBackend) SetUplinkFrameFunc(f func(gw.UplinkFrame))     {}
func (b *fakeJoinBackend) SetDownlinkTXAckFunc(f func(gw.DownlinkTXAck)) {}
func (b *fakeJoinBackend) SetGatewayStatsFunc(f func(gw.GatewayStats))   {}
func (b *fakeJoinBackend) Close() error                                 { return nil }

func (b *fakeJoinBackend) last() gw.DownlinkFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

// TestDeriveSessionKeys proves the 1.0.x and 1.1 join key-derivation paths
// each hit their own KDF set and collapse FNwkSIntKey/SNwkSIntKey/
// NwkSEncKey into a single legacy NwkSKey for 1.0.x devices.
func TestDeriveSessionKeys(t *testing.T) {
	Convey("Given a set of join device_keys and join material", t, func() {
		dk := storage.DeviceKeys{
			NwkKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			AppKey: lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		}
		joinEUI := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
		devNonce := lorawan.DevNonce(7)
		joinNonce := uint32(42)

		Convey("When the session is LoRaWAN 1.0.x", func() {
			s := storage.DeviceSession{MACVersion: "1.0.3", JoinEUI: joinEUI}

			fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := deriveSessionKeys(dk, s, joinNonce, devNonce)
			So(err, ShouldBeNil)

			Convey("Then FNwkSIntKey, SNwkSIntKey and NwkSEncKey collapse to the same legacy NwkSKey", func() {
				So(fNwkSIntKey, ShouldEqual, sNwkSIntKey)
				So(sNwkSIntKey, ShouldEqual, nwkSEncKey)
			})

			Convey("Then AppSKey is derived under AppKey, not NwkKey", func() {
				So(appSKey, ShouldNotEqual, fNwkSIntKey)
			})
		})

		Convey("When the session is LoRaWAN 1.1", func() {
			s := storage.DeviceSession{MACVersion: "1.1.0", JoinEUI: joinEUI}

			fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := deriveSessionKeys(dk, s, joinNonce, devNonce)
			So(err, ShouldBeNil)

			Convey("Then the three network-side keys are pairwise distinct", func() {
				So(fNwkSIntKey, ShouldNotEqual, sNwkSIntKey)
				So(sNwkSIntKey, ShouldNotEqual, nwkSEncKey)
				So(fNwkSIntKey, ShouldNotEqual, nwkSEncKey)
			})

			Convey("Then AppSKey is derived under AppKey", func() {
				So(appSKey, ShouldNotEqual, fNwkSIntKey)
			})
		})
	})
}

// TestDeriveSessionKeysExactVectors pins deriveSessionKeys against a known
// join_nonce=0/dev_nonce=258 exchange, checked byte-for-byte for both a
// LoRaWAN 1.0.2 and a 1.1 device.
func TestDeriveSessionKeysExactVectors(t *testing.T) {
	joinEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	devNonce := lorawan.DevNonce(258)

	Convey("Given a LoRaWAN 1.0.2 session", t, func() {
		dk := storage.DeviceKeys{NwkKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
		s := storage.DeviceSession{MACVersion: "1.0.2", JoinEUI: joinEUI}

		fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := deriveSessionKeys(dk, s, 0, devNonce)
		So(err, ShouldBeNil)

		Convey("Then the derived keys match the known test vectors", func() {
			want := lorawan.AES128Key{0x80, 0x2F, 0xA8, 0x29, 0x3E, 0xD7, 0xD4, 0x4F, 0x13, 0x53, 0xB7, 0xC9, 0x2B, 0xA9, 0x7D, 0xC8}
			So(fNwkSIntKey, ShouldEqual, want)
			So(sNwkSIntKey, ShouldEqual, want)
			So(nwkSEncKey, ShouldEqual, want)
			So(appSKey, ShouldEqual, lorawan.AES128Key{0x05, 0xD3, 0xDE, 0xF0, 0x33, 0x34, 0x17, 0x0F, 0xDA, 0x9B, 0xED, 0xE4, 0xC6, 0x25, 0xC8, 0x75})
		})
	})

	Convey("Given a LoRaWAN 1.1 session", t, func() {
		dk := storage.DeviceKeys{
			NwkKey: lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			AppKey: lorawan.AES128Key{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
		}
		s := storage.DeviceSession{MACVersion: "1.1.0", JoinEUI: joinEUI}

		fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := deriveSessionKeys(dk, s, 0, devNonce)
		So(err, ShouldBeNil)

		Convey("Then the derived keys match the known test vectors", func() {
			So(fNwkSIntKey, ShouldEqual, lorawan.AES128Key{98, 222, 198, 158, 98, 155, 205, 235, 143, 171, 203, 19, 221, 9, 1, 231})
			So(sNwkSIntKey, ShouldEqual, lorawan.AES128Key{8, 16, 172, 220, 92, 121, 168, 210, 224, 162, 133, 180, 191, 167, 33, 73})
			So(nwkSEncKey, ShouldEqual, lorawan.AES128Key{151, 120, 115, 101, 67, 122, 194, 153, 113, 209, 134, 158, 149, 189, 192, 175})
			So(appSKey, ShouldEqual, lorawan.AES128Key{27, 30, 215, 60, 144, 234, 251, 130, 186, 67, 197, 148, 250, 49, 106, 77})
		})
	})
}

func TestHandleJoinRequest(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	if err := band.Setup(conf); err != nil {
		t.Fatalf("band setup: %s", err)
	}
	SetNetID(lorawan.NetID{1, 2, 3})

	backend := &fakeJoinBackend{}
	gwbackend.SetBackend("eu868", backend)

	ctx := context.Background()

	Convey("Given a tenant, device-profile, device and its OTAA root keys", t, func() {
		test.MustResetDB(storage.DB())
		test.MustFlushRedis(storage.RedisPool())

		tenant := storage.Tenant{ID: "t1", Name: "tenant"}
		So(storage.CreateTenant(ctx, &tenant), ShouldBeNil)
		app := storage.Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(storage.CreateApplication(ctx, &app), ShouldBeNil)
		dp := storage.DeviceProfile{
			ID: "dp1", TenantID: tenant.ID, Name: "profile", RegionConfigID: "eu868",
			MACVersion: "1.0.3", RegParamsRevision: "B", SupportsOTAA: true,
		}
		So(storage.CreateDeviceProfile(ctx, &dp), ShouldBeNil)
		dev := storage.Device{
			DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, ApplicationID: app.ID,
			DeviceProfileID: dp.ID, EnabledClass: storage.DeviceClassA,
		}
		So(storage.CreateDevice(ctx, &dev), ShouldBeNil)

		nwkKey := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
		dk := storage.DeviceKeys{DevEUI: dev.DevEUI, NwkKey: nwkKey, AppKey: nwkKey}
		So(storage.CreateDeviceKeys(ctx, &dk), ShouldBeNil)

		gwID := lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
		gateway := storage.Gateway{GatewayID: gwID, TenantID: tenant.ID, Name: "gw1", RegionConfigID: "eu868"}
		So(storage.CreateGateway(ctx, &gateway), ShouldBeNil)

		joinEUI := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
		buildJoinRequest := func(devNonce lorawan.DevNonce) models.RXPacket {
			phy := lorawan.PHYPayload{
				MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
				MACPayload: &lorawan.JoinRequestPayload{
					JoinEUI:  joinEUI,
					DevEUI:   dev.DevEUI,
					DevNonce: devNonce,
				},
			}
			if err := phy.SetUplinkJoinMIC(nwkKey); err != nil {
				t.Fatalf("set join-request mic: %s", err)
			}
			return models.RXPacket{
				PHYPayload:     phy,
				TXInfo:         &gw.UplinkTXInfo{Frequency: 868100000},
				RXInfoSet:      []*gw.UplinkRXInfo{{GatewayID: gwID[:], SNR: 5}},
				DR:             0,
				RegionConfigID: "eu868",
			}
		}

		Convey("Then a valid join request derives a session, schedules a JoinAccept and advances the key's JoinNonce", func() {
			rxPacket := buildJoinRequest(lorawan.DevNonce(1))
			So(HandleJoinRequest(ctx, rxPacket, dev, dp), ShouldBeNil)

			frame := backend.last()
			So(frame.Items, ShouldHaveLength, 1)

			var phy lorawan.PHYPayload
			So(phy.UnmarshalBinary(frame.Items[0].PHYPayload), ShouldBeNil)
			So(phy.MHDR.MType, ShouldEqual, lorawan.JoinAccept)

			updatedDev, err := storage.GetDevice(ctx, dev.DevEUI)
			So(err, ShouldBeNil)
			So(updatedDev.DevAddr, ShouldNotBeNil)

			sessions, err := storage.GetDeviceSessionsForDevAddr(ctx, storage.RedisPool(), *updatedDev.DevAddr)
			So(err, ShouldBeNil)
			So(sessions, ShouldHaveLength, 1)

			updatedDK, err := storage.GetDeviceKeys(ctx, dev.DevEUI)
			So(err, ShouldBeNil)
			So(updatedDK.JoinNonce, ShouldEqual, dk.JoinNonce+1)
		})

		Convey("Then replaying the same DevNonce is rejected and logged without creating a session", func() {
			sink := &fakeSink{}
			integration.SetSinks([]integration.Sink{sink})

			rxPacket := buildJoinRequest(lorawan.DevNonce(1))
			So(HandleJoinRequest(ctx, rxPacket, dev, dp), ShouldBeNil)

			replay := buildJoinRequest(lorawan.DevNonce(1))
			err := HandleJoinRequest(ctx, replay, dev, dp)
			So(err, ShouldEqual, errs.ErrInvalidDevNonce)

			sink.mu.Lock()
			defer sink.mu.Unlock()
			So(sink.logs, ShouldHaveLength, 1)
			So(sink.logs[0].Description, ShouldEqual, "DevNonce has already been used")
		})
	})
}

// TestHandleJoinRequestWithExtraChannels proves a region configured with
// the five EU868 extra channels produces a non-nil CFList in the
// JoinAccept and widens the band's own enabled uplink channels to
// indices 0 through 7 (the three default channels plus the five extra
// ones), the set devices are expected to activate against after join.
func TestHandleJoinRequestWithExtraChannels(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	test.MustResetDB(storage.DB())
	test.MustFlushRedis(storage.RedisPool())

	conf.NetworkServer.Regions = []config.RegionConfig{
		{
			ID: "eu868", Band: "EU868",
			ExtraChannels: []config.ExtraChannel{
				{Frequency: 867100000, MinDR: 0, MaxDR: 5},
				{Frequency: 867300000, MinDR: 0, MaxDR: 5},
				{Frequency: 867500000, MinDR: 0, MaxDR: 5},
				{Frequency: 867700000, MinDR: 0, MaxDR: 5},
				{Frequency: 867900000, MinDR: 0, MaxDR: 5},
			},
		},
	}
	if err := band.Setup(conf); err != nil {
		t.Fatalf("band setup: %s", err)
	}
	SetNetID(lorawan.NetID{1, 2, 3})

	backend := &fakeJoinBackend{}
	gwbackend.SetBackend("eu868", backend)

	ctx := context.Background()

	Convey("Given a device-profile on a region with five extra EU868 channels", t, func() {
		tenant := storage.Tenant{ID: "t1", Name: "tenant"}
		So(storage.CreateTenant(ctx, &tenant), ShouldBeNil)
		app := storage.Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(storage.CreateApplication(ctx, &app), ShouldBeNil)
		dp := storage.DeviceProfile{
			ID: "dp1", TenantID: tenant.ID, Name: "profile", RegionConfigID: "eu868",
			MACVersion: "1.0.3", RegParamsRevision: "B", SupportsOTAA: true,
		}
		So(storage.CreateDeviceProfile(ctx, &dp), ShouldBeNil)
		dev := storage.Device{
			DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, ApplicationID: app.ID,
			DeviceProfileID: dp.ID, EnabledClass: storage.DeviceClassA,
		}
		So(storage.CreateDevice(ctx, &dev), ShouldBeNil)

		nwkKey := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
		dk := storage.DeviceKeys{DevEUI: dev.DevEUI, NwkKey: nwkKey, AppKey: nwkKey}
		So(storage.CreateDeviceKeys(ctx, &dk), ShouldBeNil)

		gwID := lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
		gateway := storage.Gateway{GatewayID: gwID, TenantID: tenant.ID, Name: "gw1", RegionConfigID: "eu868"}
		So(storage.CreateGateway(ctx, &gateway), ShouldBeNil)

		joinEUI := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
		phy := lorawan.PHYPayload{
			MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
			MACPayload: &lorawan.JoinRequestPayload{
				JoinEUI:  joinEUI,
				DevEUI:   dev.DevEUI,
				DevNonce: lorawan.DevNonce(1),
			},
		}
		So(phy.SetUplinkJoinMIC(nwkKey), ShouldBeNil)
		rxPacket := models.RXPacket{
			PHYPayload:     phy,
			TXInfo:         &gw.UplinkTXInfo{Frequency: 868100000},
			RXInfoSet:      []*gw.UplinkRXInfo{{GatewayID: gwID[:], SNR: 5}},
			DR:             0,
			RegionConfigID: "eu868",
		}

		Convey("Then the JoinAccept carries a CFList and the band's enabled uplink channels span indices 0 through 7", func() {
			So(HandleJoinRequest(ctx, rxPacket, dev, dp), ShouldBeNil)

			frame := backend.last()
			So(frame.Items, ShouldHaveLength, 1)
			var ja lorawan.PHYPayload
			So(ja.UnmarshalBinary(frame.Items[0].PHYPayload), ShouldBeNil)
			jaPL, ok := ja.MACPayload.(*lorawan.JoinAcceptPayload)
			So(ok, ShouldBeTrue)
			So(jaPL.CFList, ShouldNotBeNil)

			b, err := band.Get("eu868")
			So(err, ShouldBeNil)
			So(b.GetEnabledUplinkChannelIndices(), ShouldResemble, []int{0, 1, 2, 3, 4, 5, 6, 7})
		})
	})
}
