package maccommand

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"
)

// TestEncodeDecodeRoundTrip proves Decode is the exact inverse of Encode for
// a back-to-back stream of several downlink MAC commands.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	Convey("Given a set of downlink MAC commands", t, func() {
		cmds := []lorawan.MACCommand{
			{CID: lorawan.LinkADRReq, Payload: &lorawan.LinkADRReqPayload{
				DataRate: 5, TXPower: 1, ChMask: lorawan.ChMask{true, true},
				Redundancy: lorawan.Redundancy{ChMaskCntl: 0, NbRep: 1},
			}},
			{CID: lorawan.DevStatusReq},
			{CID: lorawan.NewChannelReq, Payload: &lorawan.NewChannelReqPayload{
				ChIndex: 3, Freq: 868500000, MinDR: 0, MaxDR: 5,
			}},
		}

		Convey("Then Encode followed by Decode reproduces the same commands", func() {
			data, err := Encode(cmds)
			So(err, ShouldBeNil)
			So(len(data), ShouldBeGreaterThan, 0)

			decoded, err := Decode(false, data)
			So(err, ShouldBeNil)
			So(decoded, ShouldResemble, cmds)
		})
	})

	Convey("Given a truncated command stream", t, func() {
		Convey("Then Decode returns an error instead of panicking", func() {
			_, err := Decode(false, []byte{byte(lorawan.LinkADRReq), 0x01})
			So(err, ShouldNotBeNil)
		})
	})
}
