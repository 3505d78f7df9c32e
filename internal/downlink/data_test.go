package downlink

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
	"github.com/chirpstack/chirpstack-sub001/internal/test"
)

func TestRXWindow(t *testing.T) {
	Convey("Given a device-profile and network-server RX-window config", t, func() {
		Convey("When the device-profile pins RX1", func() {
			dp := storage.DeviceProfile{RXWindow: 1}
			nsConf = config.NetworkServerConfig{}
			So(rxWindow(dp, nil, 5), ShouldEqual, 1)
		})

		Convey("When the device-profile pins RX2", func() {
			dp := storage.DeviceProfile{RXWindow: 2}
			nsConf = config.NetworkServerConfig{}
			So(rxWindow(dp, nil, 5), ShouldEqual, 2)
		})

		Convey("When the device-profile has no preference and rx2_prefer_on_link_budget is set", func() {
			dp := storage.DeviceProfile{}
			nsConf = config.NetworkServerConfig{RX2PreferOnLinkBudget: true}
			So(rxWindow(dp, nil, 5), ShouldEqual, 2)
		})

		Convey("When the device-profile has no preference and the uplink DR is below rx2_prefer_on_rx1_dr_lt", func() {
			dp := storage.DeviceProfile{}
			nsConf = config.NetworkServerConfig{RX2PreferOnRX1DRLt: 3}
			So(rxWindow(dp, nil, 1), ShouldEqual, 2)
		})

		Convey("When nothing asks for RX2, both windows are sent", func() {
			dp := storage.DeviceProfile{}
			nsConf = config.NetworkServerConfig{}
			So(rxWindow(dp, nil, 5), ShouldEqual, 0)
		})
	})
}

func TestSelectDownlinkGateway(t *testing.T) {
	conf := test.GetConfig()
	if err := storage.Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	test.MustResetDB(storage.DB())
	if err := band.Setup(conf); err != nil {
		t.Fatalf("band setup: %s", err)
	}
	b, err := band.Get("eu868")
	if err != nil {
		t.Fatalf("get band: %s", err)
	}
	ctx := context.Background()

	Convey("Given two tenants and three gateways, one privately owned by the other tenant", t, func() {
		tenantA := storage.Tenant{ID: "ta", Name: "tenant-a"}
		So(storage.CreateTenant(ctx, &tenantA), ShouldBeNil)
		tenantB := storage.Tenant{ID: "tb", Name: "tenant-b"}
		So(storage.CreateTenant(ctx, &tenantB), ShouldBeNil)

		gwOpen := storage.Gateway{GatewayID: lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}, TenantID: tenantA.ID, Name: "open"}
		So(storage.CreateGateway(ctx, &gwOpen), ShouldBeNil)

		gwPrivateOther := storage.Gateway{GatewayID: lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}, TenantID: tenantB.ID, Name: "private-b", PrivateDownlink: true}
		So(storage.CreateGateway(ctx, &gwPrivateOther), ShouldBeNil)

		gwPrivateOwn := storage.Gateway{GatewayID: lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3}, TenantID: tenantA.ID, Name: "private-a", PrivateDownlink: true}
		So(storage.CreateGateway(ctx, &gwPrivateOwn), ShouldBeNil)

		rxInfoSet := []*gw.UplinkRXInfo{
			{GatewayID: gwOpen.GatewayID[:], SNR: 1},
			{GatewayID: gwPrivateOther.GatewayID[:], SNR: 20},
			{GatewayID: gwPrivateOwn.GatewayID[:], SNR: 10},
		}

		Convey("Then the tenant-other private gateway is excluded even though it has the best SNR", func() {
			nsConf = config.NetworkServerConfig{}
			rx, err := selectDownlinkGateway(ctx, b, 0, tenantA.ID, rxInfoSet)
			So(err, ShouldBeNil)
			So(rx.GatewayID, ShouldResemble, gwPrivateOwn.GatewayID[:])
		})

		Convey("Then gateway_prefer_min_margin picks the weakest closing link among the candidates", func() {
			nsConf = config.NetworkServerConfig{GatewayPreferMinMargin: true}
			rx, err := selectDownlinkGateway(ctx, b, 0, tenantA.ID, rxInfoSet)
			So(err, ShouldBeNil)
			So(rx.GatewayID, ShouldResemble, gwOpen.GatewayID[:])
		})
	})
}
