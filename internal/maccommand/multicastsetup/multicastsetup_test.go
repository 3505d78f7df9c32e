package multicastsetup

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"
	mcsetup "github.com/brocaar/lorawan/applayer/multicastsetup"
)

// TestDeriveMulticastKeys proves the remaining McKey-family KDF steps
// handleGroupSetupReq chains together, against the vectors brocaar/lorawan
// ships in its own applayer/multicastsetup key tests.
func TestDeriveMulticastKeys(t *testing.T) {
	mcAddr := lorawan.DevAddr{1, 2, 3, 4}
	mcKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	appKey := lorawan.AES128Key{2, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	genAppKey := lorawan.AES128Key{3, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	mcRootKey := lorawan.AES128Key{4, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	Convey("Given a GenAppKey, an AppKey, a McRootKey and a McKey/McAddr pair", t, func() {
		Convey("Then McRootKeyForGenAppKey matches the 1.0.x vector", func() {
			key, err := mcsetup.GetMcRootKeyForGenAppKey(genAppKey)
			So(err, ShouldBeNil)
			So(key, ShouldEqual, lorawan.AES128Key{0x55, 0x34, 0x4e, 0x82, 0x57, 0x0e, 0xae, 0xc8, 0xbf, 0x03, 0xb9, 0x99, 0x62, 0xd1, 0xf4, 0x45})
		})

		Convey("Then McRootKeyForAppKey matches the 1.1 vector", func() {
			key, err := mcsetup.GetMcRootKeyForAppKey(appKey)
			So(err, ShouldBeNil)
			So(key, ShouldEqual, lorawan.AES128Key{0x26, 0x4f, 0xd8, 0x59, 0x58, 0x3f, 0xcc, 0x67, 0x02, 0x41, 0xac, 0x07, 0x1c, 0xc9, 0xf5, 0xbb})
		})

		Convey("Then McKEKey derived from McRootKey matches the expected vector", func() {
			key, err := mcsetup.GetMcKEKey(mcRootKey)
			So(err, ShouldBeNil)
			So(key, ShouldEqual, lorawan.AES128Key{0x90, 0x83, 0xbe, 0xbf, 0x70, 0x42, 0x57, 0x88, 0x31, 0x60, 0xdb, 0xfc, 0xde, 0x33, 0xad, 0x71})
		})

		Convey("Then McAppSKey derived from McKey/McAddr matches the expected vector", func() {
			key, err := mcsetup.GetMcAppSKey(mcKey, mcAddr)
			So(err, ShouldBeNil)
			So(key, ShouldEqual, lorawan.AES128Key{0x95, 0xcb, 0x45, 0x18, 0xee, 0x37, 0x56, 0x06, 0x73, 0x5b, 0xba, 0xcb, 0xdc, 0xe8, 0x37, 0xfa})
		})

		Convey("Then McNetSKey derived from McKey/McAddr matches the expected vector", func() {
			key, err := mcsetup.GetMcNetSKey(mcKey, mcAddr)
			So(err, ShouldBeNil)
			So(key, ShouldEqual, lorawan.AES128Key{0xc3, 0xf6, 0xb3, 0x88, 0xba, 0xd6, 0xc0, 0x00, 0xb2, 0x32, 0x91, 0xad, 0x52, 0xc1, 0x1c, 0x7b})
		})
	})
}

// TestDecryptMcKey proves DecryptMcKey is the AES-128 decrypt primitive
// (not encrypt), against the test vector from the LoRa Alliance remote
// multicast-setup application layer specification.
func TestDecryptMcKey(t *testing.T) {
	Convey("Given a known McKeyEncrypted and mcKEKey", t, func() {
		mcKEKey := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
		mcKeyEncrypted := lorawan.AES128Key{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}

		Convey("Then DecryptMcKey recovers the expected McKey", func() {
			out, err := DecryptMcKey(mcKEKey, mcKeyEncrypted)
			So(err, ShouldBeNil)
			So(out, ShouldResemble, [16]byte{
				0x34, 0x37, 0xd6, 0xe2, 0x31, 0xd7, 0x02, 0x41,
				0x9b, 0x51, 0xb4, 0x94, 0x72, 0x71, 0xb6, 0x11,
			})
		})
	})
}
