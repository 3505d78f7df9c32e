package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
)

// Gateway is a radio gateway belonging to a Tenant, relaying uplinks and
// accepting downlinks for a single region.
type Gateway struct {
	GatewayID      lorawan.EUI64 `db:"gateway_id"`
	TenantID       string        `db:"tenant_id"`
	Name           string        `db:"name"`
	RegionConfigID string        `db:"region_config_id"`
	PrivateUplink  bool          `db:"private_uplink"`
	PrivateDownlink bool         `db:"private_downlink"`
	Latitude       float64       `db:"latitude"`
	Longitude      float64       `db:"longitude"`
	Altitude       float64       `db:"altitude"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// CreateGateway inserts gw.
func CreateGateway(ctx context.Context, gw *Gateway) error {
	now := time.Now()
	gw.CreatedAt = now
	gw.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		insert into gateway (
			gateway_id, tenant_id, name, region_config_id, private_uplink,
			private_downlink, latitude, longitude, altitude, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		gw.GatewayID[:], gw.TenantID, gw.Name, gw.RegionConfigID, gw.PrivateUplink,
		gw.PrivateDownlink, gw.Latitude, gw.Longitude, gw.Altitude, gw.CreatedAt, gw.UpdatedAt,
	)
	return wrapDBError(err, "create gateway")
}

// GetGateway returns the gateway with the given id.
func GetGateway(ctx context.Context, id lorawan.EUI64) (Gateway, error) {
	var gw Gateway
	err := db.GetContext(ctx, &gw, "select * from gateway where gateway_id = $1", id[:])
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return gw, errs.ErrDoesNotExist
		}
		return gw, wrapDBError(err, "get gateway")
	}
	return gw, nil
}

// GetGatewaysForIDs returns every gateway among ids that exists, used by the
// uplink pipeline to build the per-gateway tenant/privacy map described in
// the UplinkFrameSet data model.
func GetGatewaysForIDs(ctx context.Context, ids []lorawan.EUI64) (map[lorawan.EUI64]Gateway, error) {
	out := map[lorawan.EUI64]Gateway{}
	for _, id := range ids {
		gw, err := GetGateway(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrDoesNotExist) {
				continue
			}
			return nil, err
		}
		out[id] = gw
	}
	return out, nil
}

// GetGatewayTenantsForIDs resolves the tenant-ownership and privacy flags
// for a set of gateway IDs in one pass, used by the uplink/downlink
// pipelines to build the per-gateway privacy map described in the
// UplinkFrameSet data model.
func GetGatewayTenantsForIDs(ctx context.Context, ids []lorawan.EUI64) (map[lorawan.EUI64]models.GatewayTenant, error) {
	gateways, err := GetGatewaysForIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make(map[lorawan.EUI64]models.GatewayTenant, len(gateways))
	for id, gw := range gateways {
		out[id] = models.GatewayTenant{
			GatewayID:       id,
			TenantID:        gw.TenantID,
			PrivateUplink:   gw.PrivateUplink,
			PrivateDownlink: gw.PrivateDownlink,
		}
	}
	return out, nil
}

// DeleteGateway removes the gateway with the given id.
func DeleteGateway(ctx context.Context, id lorawan.EUI64) error {
	res, err := db.ExecContext(ctx, "delete from gateway where gateway_id = $1", id[:])
	if err != nil {
		return wrapDBError(err, "delete gateway")
	}
	return checkRowsAffected(res)
}
