package maccommand

import (
	"time"

	"github.com/brocaar/lorawan"
)

// gpsEpoch is the start of the GPS time scale used by DeviceTimeAns, which
// (unlike UTC) never applies a leap-second correction.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// HandleDeviceTimeReq builds the DeviceTimeAns carrying the current time
// expressed as a duration since the GPS epoch.
func HandleDeviceTimeReq(now time.Time) lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.DeviceTimeAns,
		Payload: &lorawan.DeviceTimeAnsPayload{
			TimeSinceGPSEpoch: now.Sub(gpsEpoch),
		},
	}
}
