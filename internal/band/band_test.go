package band

import (
	"fmt"
	"sort"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

func TestSetupAndGet(t *testing.T) {
	Convey("Given a configuration with two active regions and one extra channel", t, func() {
		conf := config.Config{}
		conf.NetworkServer.Regions = []config.RegionConfig{
			{ID: "eu868", Band: "EU868"},
			{
				ID: "us915", Band: "US915",
				ExtraChannels: []config.ExtraChannel{{Frequency: 904500000, MinDR: 0, MaxDR: 3}},
			},
		}

		Convey("Then Setup registers a band per region_config_id", func() {
			So(Setup(conf), ShouldBeNil)

			ids := RegionIDs()
			sort.Strings(ids)
			So(ids, ShouldResemble, []string{"eu868", "us915"})

			euBand, err := Get("eu868")
			So(err, ShouldBeNil)
			So(euBand, ShouldNotBeNil)

			usBand, err := Get("us915")
			So(err, ShouldBeNil)
			So(usBand, ShouldNotBeNil)
		})

		Convey("Then a region_config_id that was never configured returns an error", func() {
			So(Setup(conf), ShouldBeNil)
			_, err := Get("as923")
			So(err, ShouldNotBeNil)
		})

		Convey("Then a second Setup call replaces the previous registry instead of merging into it", func() {
			So(Setup(conf), ShouldBeNil)

			conf.NetworkServer.Regions = []config.RegionConfig{{ID: "eu868", Band: "EU868"}}
			So(Setup(conf), ShouldBeNil)

			So(RegionIDs(), ShouldResemble, []string{"eu868"})
			_, err := Get("us915")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestUS915ChannelMaskEncoding(t *testing.T) {
	Convey("Given a US915 band", t, func() {
		conf := config.Config{}
		conf.NetworkServer.Regions = []config.RegionConfig{{ID: "us915", Band: "US915"}}
		So(Setup(conf), ShouldBeNil)
		b, err := Get("us915")
		So(err, ShouldBeNil)

		Convey("Then enabling all 72 channels needs no LinkADRReq payloads", func() {
			all := make([]int, 72)
			for i := range all {
				all[i] = i
			}
			pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(all)
			So(pls, ShouldBeEmpty)
		})

		Convey("Then enabling channels 0-7 and 64 emits a 500kHz mask followed by the 125kHz block mask", func() {
			enabled := []int{0, 1, 2, 3, 4, 5, 6, 7, 64}
			pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(enabled)
			So(pls, ShouldHaveLength, 2)
			So(pls[0].Redundancy.ChMaskCntl, ShouldEqual, uint8(7))
			So(pls[0].ChMask[0], ShouldBeTrue)
			So(pls[1].Redundancy.ChMaskCntl, ShouldEqual, uint8(0))
			for i := 0; i < 8; i++ {
				So(pls[1].ChMask[i], ShouldBeTrue)
			}
			for i := 8; i < 16; i++ {
				So(pls[1].ChMask[i], ShouldBeFalse)
			}

			back, err := b.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(nil, pls)
			So(err, ShouldBeNil)
			sort.Ints(back)
			So(back, ShouldResemble, enabled)
		})

		Convey("Then enabling channels 0-15 and 64-65 emits both ChMaskCntl groups fully set", func() {
			enabled := []int{}
			for i := 0; i < 16; i++ {
				enabled = append(enabled, i)
			}
			enabled = append(enabled, 64, 65)
			pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(enabled)
			So(pls, ShouldHaveLength, 2)
			So(pls[0].Redundancy.ChMaskCntl, ShouldEqual, uint8(7))
			So(pls[0].ChMask[0], ShouldBeTrue)
			So(pls[0].ChMask[1], ShouldBeTrue)
			So(pls[1].Redundancy.ChMaskCntl, ShouldEqual, uint8(0))
			for i := 0; i < 16; i++ {
				So(pls[1].ChMask[i], ShouldBeTrue)
			}
		})
	})
}

func TestAS923RX1DataRate(t *testing.T) {
	Convey("Given an AS923 band with dwell time enabled", t, func() {
		conf := config.Config{}
		conf.NetworkServer.Regions = []config.RegionConfig{{ID: "as923", Band: "AS923", DwellTime400ms: true}}
		So(Setup(conf), ShouldBeNil)
		b, err := Get("as923")
		So(err, ShouldBeNil)

		testTable := []struct {
			UplinkDR, RX1DROffset, ExpectedRX1DR int
		}{
			{5, 0, 5}, {5, 3, 2}, {5, 4, 2}, {5, 6, 5}, {5, 7, 5}, {2, 6, 3}, {2, 7, 4},
		}
		for _, tst := range testTable {
			tst := tst
			Convey(fmt.Sprintf("Then uplink DR %d with offset %d resolves to RX1 DR %d", tst.UplinkDR, tst.RX1DROffset, tst.ExpectedRX1DR), func() {
				dr, err := b.GetRX1DataRateIndex(tst.UplinkDR, tst.RX1DROffset)
				So(err, ShouldBeNil)
				So(dr, ShouldEqual, tst.ExpectedRX1DR)
			})
		}
	})

	Convey("Given an AS923 band with dwell time disabled", t, func() {
		conf := config.Config{}
		conf.NetworkServer.Regions = []config.RegionConfig{{ID: "as923", Band: "AS923", DwellTime400ms: false}}
		So(Setup(conf), ShouldBeNil)
		b, err := Get("as923")
		So(err, ShouldBeNil)

		testTable := []struct {
			UplinkDR, RX1DROffset, ExpectedRX1DR int
		}{
			{5, 4, 1}, {5, 5, 0}, {5, 0, 5}, {2, 6, 3},
		}
		for _, tst := range testTable {
			tst := tst
			Convey(fmt.Sprintf("Then uplink DR %d with offset %d resolves to RX1 DR %d", tst.UplinkDR, tst.RX1DROffset, tst.ExpectedRX1DR), func() {
				dr, err := b.GetRX1DataRateIndex(tst.UplinkDR, tst.RX1DROffset)
				So(err, ShouldBeNil)
				So(dr, ShouldEqual, tst.ExpectedRX1DR)
			})
		}
	})
}

func TestExtraChannels(t *testing.T) {
	Convey("Given a region with one extra uplink channel", t, func() {
		conf := config.Config{}
		conf.NetworkServer.Regions = []config.RegionConfig{
			{
				ID: "eu868", Band: "EU868",
				ExtraChannels: []config.ExtraChannel{{Frequency: 868700000, MinDR: 0, MaxDR: 5}},
			},
		}
		So(Setup(conf), ShouldBeNil)
		b, err := Get("eu868")
		So(err, ShouldBeNil)

		Convey("Then the custom channel is registered alongside the band's default uplink channels", func() {
			found := false
			for _, idx := range b.GetCustomUplinkChannelIndices() {
				ch, err := b.GetUplinkChannel(idx)
				So(err, ShouldBeNil)
				if ch.Frequency == 868700000 {
					found = true
				}
			}
			So(found, ShouldBeTrue)
		})
	})
}
