package integration

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"
)

func TestDeviceTags(t *testing.T) {
	Convey("Given a DeviceInfo with tags", t, func() {
		di := DeviceInfo{
			ApplicationName: "app",
			DeviceName:      "dev",
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			Tags:            map[string]string{"zone": "a"},
		}

		Convey("Then deviceTags merges the custom tags with the fixed ones", func() {
			tags := deviceTags(di)
			So(tags["zone"], ShouldEqual, "a")
			So(tags["application_name"], ShouldEqual, "app")
			So(tags["device_name"], ShouldEqual, "dev")
			So(tags["dev_eui"], ShouldEqual, di.DevEUI.String())
		})
	})
}

func TestMergeTags(t *testing.T) {
	Convey("Given two tag maps with disjoint keys", t, func() {
		a := map[string]string{"a": "1"}
		b := map[string]string{"b": "2"}

		Convey("Then mergeTags combines them without mutating either input", func() {
			out := mergeTags(a, b)
			So(out, ShouldResemble, map[string]string{"a": "1", "b": "2"})
			So(a, ShouldResemble, map[string]string{"a": "1"})
			So(b, ShouldResemble, map[string]string{"b": "2"})
		})
	})
}

func TestUplinkEventTagsCarryRawValues(t *testing.T) {
	Convey("Given device tags containing characters the line-protocol wire format must escape", t, func() {
		di := DeviceInfo{
			ApplicationName: "app",
			DeviceName:      "dev",
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			Tags:            map[string]string{"fo o": "ba,r"},
		}

		Convey("Then deviceTags passes the tag key and value through unescaped", func() {
			tags := deviceTags(di)
			So(tags["fo o"], ShouldEqual, "ba,r")
		})
	})
}

func TestObjectMeasurements(t *testing.T) {
	Convey("Given a decoded codec object with scalar fields and a lat/lon pair", t, func() {
		obj := map[string]interface{}{
			"temperature": 21.5,
			"moving":      true,
			"status":      "ok",
			"latitude":    52.379189,
			"longitude":   4.899431,
		}

		Convey("Then latitude/longitude fold into a single geohash-bearing location point", func() {
			points := objectMeasurements(map[string]string{}, "device_frmpayload_data", obj)

			var sawLocation, sawTemp, sawMoving, sawStatus bool
			for _, p := range points {
				switch p.Name() {
				case "device_frmpayload_data_location":
					sawLocation = true
				case "device_frmpayload_data_temperature":
					sawTemp = true
				case "device_frmpayload_data_moving":
					sawMoving = true
				case "device_frmpayload_data_status":
					sawStatus = true
				}
			}
			So(sawLocation, ShouldBeTrue)
			So(sawTemp, ShouldBeTrue)
			So(sawMoving, ShouldBeTrue)
			So(sawStatus, ShouldBeTrue)
			// 3 scalar fields + 1 location point, latitude/longitude themselves
			// are consumed by the location point and never re-emitted.
			So(points, ShouldHaveLength, 4)
		})
	})

	Convey("Given a nil object", t, func() {
		Convey("Then objectMeasurements returns no points", func() {
			So(objectMeasurements(map[string]string{}, "x", nil), ShouldBeEmpty)
		})
	})
}
