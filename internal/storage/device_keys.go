package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// DeviceKeys holds a device's OTAA root keys and join bookkeeping. For every
// MAC version, ValidateAndUseDevNonce rejects a DevNonce found in the stored
// used set (which keeps the last 100 nonces) and increments JoinNonce on
// each accepted join.
type DeviceKeys struct {
	DevEUI        lorawan.EUI64     `db:"dev_eui"`
	NwkKey        lorawan.AES128Key `db:"nwk_key"`
	AppKey        lorawan.AES128Key `db:"app_key"`
	JoinNonce     int               `db:"join_nonce"`
	UsedDevNoncesJSON []byte        `db:"used_dev_nonces"`
	CreatedAt     time.Time         `db:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"`
}

// CreateDeviceKeys inserts dk.
func CreateDeviceKeys(ctx context.Context, dk *DeviceKeys) error {
	now := time.Now()
	dk.CreatedAt = now
	dk.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		insert into device_keys (
			dev_eui, nwk_key, app_key, join_nonce, used_dev_nonces, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7)`,
		dk.DevEUI[:], dk.NwkKey[:], dk.AppKey[:], dk.JoinNonce, []byte("[]"), dk.CreatedAt, dk.UpdatedAt,
	)
	return wrapDBError(err, "create device_keys")
}

// GetDeviceKeys returns the keys for devEUI.
func GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (DeviceKeys, error) {
	var dk DeviceKeys
	err := db.GetContext(ctx, &dk, `select * from device_keys where dev_eui = $1`, devEUI[:])
	return dk, wrapDBError(err, "get device_keys")
}

// ValidateAndUseDevNonce checks devNonce against dk's used set, and on
// success returns the updated DeviceKeys with devNonce recorded and
// JoinNonce incremented, ready to be persisted with UpdateDeviceKeys. It
// does not persist on its own so the caller can decide the new JoinAccept's
// JoinNonce value from the same call.
func (dk DeviceKeys) ValidateAndUseDevNonce(devNonce lorawan.DevNonce) (DeviceKeys, error) {
	used, err := dk.UsedDevNonces()
	if err != nil {
		return dk, err
	}
	for _, n := range used {
		if n == devNonce {
			return dk, errs.ErrInvalidDevNonce
		}
	}

	used = append(used, devNonce)
	if len(used) > 100 {
		used = used[len(used)-100:]
	}

	if err := dk.setUsedDevNonces(used); err != nil {
		return dk, err
	}
	dk.JoinNonce++
	return dk, nil
}

// UsedDevNonces decodes UsedDevNoncesJSON.
func (dk DeviceKeys) UsedDevNonces() ([]lorawan.DevNonce, error) {
	var nonces []lorawan.DevNonce
	if len(dk.UsedDevNoncesJSON) == 0 {
		return nonces, nil
	}
	if err := json.Unmarshal(dk.UsedDevNoncesJSON, &nonces); err != nil {
		return nil, errors.Wrap(err, "unmarshal used dev-nonces")
	}
	return nonces, nil
}

func (dk *DeviceKeys) setUsedDevNonces(nonces []lorawan.DevNonce) error {
	b, err := json.Marshal(nonces)
	if err != nil {
		return errors.Wrap(err, "marshal used dev-nonces")
	}
	dk.UsedDevNoncesJSON = b
	return nil
}

// UpdateDeviceKeys persists dk (including its JoinNonce / used-dev-nonce
// state after a ValidateAndUseDevNonce call).
func UpdateDeviceKeys(ctx context.Context, dk *DeviceKeys) error {
	dk.UpdatedAt = time.Now()

	res, err := db.ExecContext(ctx, `
		update device_keys set
			nwk_key = $2, app_key = $3, join_nonce = $4, used_dev_nonces = $5, updated_at = $6
		where dev_eui = $1`,
		dk.DevEUI[:], dk.NwkKey[:], dk.AppKey[:], dk.JoinNonce, dk.UsedDevNoncesJSON, dk.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update device_keys")
	}
	return checkRowsAffected(res)
}

// DeleteDeviceKeys removes the keys for devEUI.
func DeleteDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) error {
	res, err := db.ExecContext(ctx, `delete from device_keys where dev_eui = $1`, devEUI[:])
	if err != nil {
		return wrapDBError(err, "delete device_keys")
	}
	return checkRowsAffected(res)
}
