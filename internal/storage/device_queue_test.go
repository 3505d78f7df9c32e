package storage

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/test"
)

func TestDeviceQueueItemValidate(t *testing.T) {
	Convey("Given a device-queue item with f_port = 0", t, func() {
		qi := DeviceQueueItem{FPort: 0}

		Convey("Then Validate returns ErrInvalidFPort", func() {
			So(qi.Validate(), ShouldEqual, errs.ErrInvalidFPort)
		})
	})
}

func TestDeviceQueue(t *testing.T) {
	conf := test.GetConfig()
	if err := Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	Convey("Given a clean database with a tenant, application, device-profile and device", t, func() {
		test.MustResetDB(DB())

		tenant := Tenant{ID: "t1", Name: "tenant"}
		So(CreateTenant(ctx(), &tenant), ShouldBeNil)

		app := Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(CreateApplication(ctx(), &app), ShouldBeNil)

		dp := DeviceProfile{ID: "dp1", TenantID: tenant.ID, Name: "profile"}
		So(CreateDeviceProfile(ctx(), &dp), ShouldBeNil)

		dev := Device{
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			ApplicationID:   app.ID,
			DeviceProfileID: dp.ID,
			EnabledClass:    DeviceClassC,
		}
		So(CreateDevice(ctx(), &dev), ShouldBeNil)

		Convey("When creating a device-queue item", func() {
			qi := DeviceQueueItem{
				DevEUI:     dev.DevEUI,
				FRMPayload: []byte{1, 2, 3},
				FPort:      10,
			}
			So(CreateDeviceQueueItem(ctx(), &qi), ShouldBeNil)

			Convey("Then GetDeviceQueueItem returns it", func() {
				qiGet, err := GetDeviceQueueItem(ctx(), qi.ID)
				So(err, ShouldBeNil)
				So(qiGet.DevEUI, ShouldEqual, qi.DevEUI)
			})

			Convey("Then GetNextDeviceQueueItemForDevEUI returns it", func() {
				qiGet, err := GetNextDeviceQueueItemForDevEUI(ctx(), dev.DevEUI)
				So(err, ShouldBeNil)
				So(qiGet.ID, ShouldEqual, qi.ID)
			})

			Convey("Then UpdateDeviceQueueItem updates it", func() {
				fCnt := uint32(10)
				qi.FCntDown = &fCnt
				So(UpdateDeviceQueueItem(ctx(), &qi), ShouldBeNil)

				qiGet, err := GetDeviceQueueItem(ctx(), qi.ID)
				So(err, ShouldBeNil)
				So(*qiGet.FCntDown, ShouldEqual, fCnt)
			})

			Convey("Then DeleteDeviceQueueItem removes it", func() {
				So(DeleteDeviceQueueItem(ctx(), qi.ID), ShouldBeNil)
				_, err := GetDeviceQueueItem(ctx(), qi.ID)
				So(err, ShouldEqual, errs.ErrDoesNotExist)
			})

			Convey("Then FlushDeviceQueueForDevEUI empties the queue", func() {
				So(FlushDeviceQueueForDevEUI(ctx(), dev.DevEUI), ShouldBeNil)
				items, err := GetDeviceQueueItemsForDevEUI(ctx(), dev.DevEUI)
				So(err, ShouldBeNil)
				So(items, ShouldBeEmpty)
			})
		})

		Convey("GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt", func() {
			Convey("When the queue is empty", func() {
				res, err := GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx(), dev.DevEUI, 100, 0)
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, QueueItemEmpty)
			})

			Convey("When the front item is pending and timed out", func() {
				past := time.Now().Add(-time.Minute)
				qi := DeviceQueueItem{
					DevEUI:       dev.DevEUI,
					FRMPayload:   []byte{1, 2, 3},
					FPort:        10,
					IsPending:    true,
					TimeoutAfter: &past,
				}
				So(CreateDeviceQueueItem(ctx(), &qi), ShouldBeNil)
				// is_pending is forced false by CreateDeviceQueueItem; flip
				// it back to simulate an in-flight retransmission.
				_, err := DB().ExecContext(ctx(), "update device_queue_item set is_pending = true where id = $1", qi.ID)
				So(err, ShouldBeNil)

				res, err := GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx(), dev.DevEUI, 100, 0)
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, QueueItemEmpty)
				So(res.Skipped, ShouldHaveLength, 1)
				So(res.Skipped[0].Outcome, ShouldEqual, QueueItemTimedOut)
				So(res.Skipped[0].Item.ID, ShouldEqual, qi.ID)

				_, err = GetDeviceQueueItem(ctx(), qi.ID)
				So(err, ShouldEqual, errs.ErrDoesNotExist)
			})

			Convey("When the front item is larger than max_payload_size", func() {
				qi := DeviceQueueItem{
					DevEUI:     dev.DevEUI,
					FRMPayload: make([]byte, 20),
					FPort:      10,
				}
				So(CreateDeviceQueueItem(ctx(), &qi), ShouldBeNil)

				res, err := GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx(), dev.DevEUI, 10, 0)
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, QueueItemEmpty)
				So(res.Skipped, ShouldHaveLength, 1)
				So(res.Skipped[0].Outcome, ShouldEqual, QueueItemTooLarge)
				So(res.Skipped[0].Item.ID, ShouldEqual, qi.ID)

				_, err = GetDeviceQueueItem(ctx(), qi.ID)
				So(err, ShouldEqual, errs.ErrDoesNotExist)
			})

			Convey("When the front item is larger than max_payload_size but a second item fits", func() {
				big := DeviceQueueItem{
					DevEUI:     dev.DevEUI,
					FRMPayload: make([]byte, 20),
					FPort:      10,
				}
				So(CreateDeviceQueueItem(ctx(), &big), ShouldBeNil)

				fits := DeviceQueueItem{
					DevEUI:     dev.DevEUI,
					FRMPayload: []byte{1, 2, 3},
					FPort:      10,
				}
				So(CreateDeviceQueueItem(ctx(), &fits), ShouldBeNil)

				res, err := GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx(), dev.DevEUI, 10, 0)
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, QueueItemAccepted)
				So(res.Item.ID, ShouldEqual, fits.ID)
				So(res.Skipped, ShouldHaveLength, 1)
				So(res.Skipped[0].Outcome, ShouldEqual, QueueItemTooLarge)
				So(res.Skipped[0].Item.ID, ShouldEqual, big.ID)
			})

			Convey("When the front item fits and is not pending", func() {
				qi := DeviceQueueItem{
					DevEUI:     dev.DevEUI,
					FRMPayload: []byte{1, 2, 3},
					FPort:      10,
				}
				So(CreateDeviceQueueItem(ctx(), &qi), ShouldBeNil)

				res, err := GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx(), dev.DevEUI, 100, 0)
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, QueueItemAccepted)
				So(res.Item.ID, ShouldEqual, qi.ID)
			})
		})
	})
}

// TestGetDevEUIsWithClassBOrCDeviceQueueItems proves that two concurrent
// scheduler passes claiming from separate transactions never pick up the
// same device twice.
func TestGetDevEUIsWithClassBOrCDeviceQueueItems(t *testing.T) {
	conf := test.GetConfig()
	if err := Setup(conf); err != nil {
		t.Skipf("storage not available, skipping: %s", err)
	}
	Convey("Given a Class-C device with a queue item", t, func() {
		test.MustResetDB(DB())

		tenant := Tenant{ID: "t1", Name: "tenant"}
		So(CreateTenant(ctx(), &tenant), ShouldBeNil)
		app := Application{ID: "a1", TenantID: tenant.ID, Name: "app"}
		So(CreateApplication(ctx(), &app), ShouldBeNil)
		dp := DeviceProfile{ID: "dp1", TenantID: tenant.ID, Name: "profile"}
		So(CreateDeviceProfile(ctx(), &dp), ShouldBeNil)
		dev := Device{
			DevEUI:          lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			ApplicationID:   app.ID,
			DeviceProfileID: dp.ID,
			EnabledClass:    DeviceClassC,
		}
		So(CreateDevice(ctx(), &dev), ShouldBeNil)

		qi := DeviceQueueItem{DevEUI: dev.DevEUI, FRMPayload: []byte{1}, FPort: 1}
		So(CreateDeviceQueueItem(ctx(), &qi), ShouldBeNil)

		Convey("Then the read-only helper reports the device to each of two separate transactions", func() {
			tx1, err := DB().Beginx()
			So(err, ShouldBeNil)
			devs1, err := GetDevicesWithClassBOrClassCDeviceQueueItems(ctx(), tx1, 10)
			So(err, ShouldBeNil)
			So(tx1.Rollback(), ShouldBeNil)

			tx2, err := DB().Beginx()
			So(err, ShouldBeNil)
			devs2, err := GetDevicesWithClassBOrClassCDeviceQueueItems(ctx(), tx2, 10)
			So(err, ShouldBeNil)
			So(tx2.Rollback(), ShouldBeNil)

			So(len(devs1), ShouldEqual, 1)
			So(len(devs2), ShouldEqual, 1)
		})

		Convey("Then two consecutive claims return a batch followed by an empty batch", func() {
			devs1, err := ClaimClassBOrCDevices(ctx(), time.Minute, 10)
			So(err, ShouldBeNil)
			So(devs1, ShouldHaveLength, 1)

			devs2, err := ClaimClassBOrCDevices(ctx(), time.Minute, 10)
			So(err, ShouldBeNil)
			So(devs2, ShouldBeEmpty)
		})
	})
}
