package downlink

import (
	"context"

	loraband "github.com/brocaar/lorawan/band"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

var nsConf config.NetworkServerConfig

// Setup records the network-server-wide settings the downlink pipeline
// needs (RX-window preference, gateway-margin preference).
func Setup(conf config.NetworkServerConfig) {
	nsConf = conf
}

// requiredSNRTable holds the minimum demodulation SNR (dB) per LoRa spread
// factor, SF7 through SF12, duplicated from the uplink package's ADR table
// since downlink cannot import uplink.
var requiredSNRTable = map[int]float64{
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

func requiredSNRForDR(b loraband.Band, dr int) float64 {
	d, err := b.GetDataRate(dr)
	if err != nil {
		return 0
	}
	if snr, ok := requiredSNRTable[d.SpreadFactor]; ok {
		return snr
	}
	return 0
}

// deviceInfo builds the integration event DeviceInfo for d, looking up its
// owning application and tenant. Duplicated from uplink/common.go since
// downlink cannot import uplink.
func deviceInfo(d storage.Device, dp storage.DeviceProfile) integration.DeviceInfo {
	ctx := context.Background()
	di := integration.DeviceInfo{
		ApplicationID:   d.ApplicationID,
		DeviceProfileID: dp.ID,
		DeviceName:      d.Name,
		DevEUI:          d.DevEUI,
	}

	if tags, err := d.Tags(); err == nil {
		di.Tags = tags
	}

	if app, err := storage.GetApplication(ctx, d.ApplicationID); err == nil {
		di.ApplicationName = app.Name
		di.TenantID = app.TenantID
		if t, err := storage.GetTenant(ctx, app.TenantID); err == nil {
			di.TenantName = t.Name
		}
	}

	return di
}

// deviceTenantID resolves d's owning tenant ID, degrading to "" on lookup
// failure, used to filter private gateways of other tenants out of
// downlink candidate selection.
func deviceTenantID(d storage.Device) string {
	ctx := context.Background()
	app, err := storage.GetApplication(ctx, d.ApplicationID)
	if err != nil {
		return ""
	}
	return app.TenantID
}
