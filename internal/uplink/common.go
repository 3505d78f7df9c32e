package uplink

import (
	"context"

	"github.com/pkg/errors"

	gwbackend "github.com/chirpstack/chirpstack-sub001/internal/backend/gateway"
	"github.com/chirpstack/chirpstack-sub001/internal/integration"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// gatewayBackendForRegion resolves the gateway backend registered for
// regionConfigID.
func gatewayBackendForRegion(regionConfigID string) (gwbackend.Backend, error) {
	b, err := gwbackend.Get(regionConfigID)
	if err != nil {
		return nil, errors.Wrap(err, "get gateway backend")
	}
	return b, nil
}

// deviceInfo builds the integration event DeviceInfo for d, looking up its
// owning application and tenant. On lookup failure it degrades to the IDs
// alone rather than aborting the event, since a missing label must never
// block the pipeline that produced the event.
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
