package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// Tenant is the root of the ownership tree: every Application, and every
// Gateway, belongs to exactly one Tenant.
type Tenant struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	CanHaveGateways     bool      `db:"can_have_gateways"`
	PrivateGatewaysUp   bool      `db:"private_gateways_up"`
	PrivateGatewaysDown bool      `db:"private_gateways_down"`
	MaxDeviceCount      int       `db:"max_device_count"`
	MaxGatewayCount     int       `db:"max_gateway_count"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// CreateTenant inserts t and populates its generated fields.
func CreateTenant(ctx context.Context, t *Tenant) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		insert into tenant (
			id, name, can_have_gateways, private_gateways_up,
			private_gateways_down, max_device_count, max_gateway_count,
			created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.CanHaveGateways, t.PrivateGatewaysUp,
		t.PrivateGatewaysDown, t.MaxDeviceCount, t.MaxGatewayCount,
		t.CreatedAt, t.UpdatedAt,
	)
	return wrapDBError(err, "create tenant")
}

// GetTenant returns the tenant with the given id.
func GetTenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	err := db.GetContext(ctx, &t, "select * from tenant where id = $1", id)
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return t, errs.ErrDoesNotExist
		}
		return t, wrapDBError(err, "get tenant")
	}
	return t, nil
}

// UpdateTenant persists every mutable field of t.
func UpdateTenant(ctx context.Context, t *Tenant) error {
	t.UpdatedAt = time.Now()

	res, err := db.ExecContext(ctx, `
		update tenant set
			name = $2, can_have_gateways = $3, private_gateways_up = $4,
			private_gateways_down = $5, max_device_count = $6,
			max_gateway_count = $7, updated_at = $8
		where id = $1`,
		t.ID, t.Name, t.CanHaveGateways, t.PrivateGatewaysUp,
		t.PrivateGatewaysDown, t.MaxDeviceCount, t.MaxGatewayCount, t.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update tenant")
	}
	return checkRowsAffected(res)
}

// DeleteTenant removes the tenant with the given id.
func DeleteTenant(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "delete from tenant where id = $1", id)
	if err != nil {
		return wrapDBError(err, "delete tenant")
	}
	return checkRowsAffected(res)
}
