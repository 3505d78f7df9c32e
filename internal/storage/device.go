package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// DeviceClass is the LoRaWAN device class a Device currently operates as.
type DeviceClass string

// Available device classes.
const (
	DeviceClassA DeviceClass = "A"
	DeviceClassB DeviceClass = "B"
	DeviceClassC DeviceClass = "C"
)

// Device belongs to one Application and one DeviceProfile, keyed by its
// 8-byte DevEUI.
type Device struct {
	DevEUI            lorawan.EUI64   `db:"dev_eui"`
	ApplicationID     string          `db:"application_id"`
	DeviceProfileID   string          `db:"device_profile_id"`
	Name              string          `db:"name"`
	EnabledClass      DeviceClass     `db:"enabled_class"`
	IsDisabled        bool            `db:"is_disabled"`
	SkipFCntCheck     bool            `db:"skip_fcnt_check"`
	DevAddr           *lorawan.DevAddr `db:"dev_addr"`
	SecondaryDevAddr  *lorawan.DevAddr `db:"secondary_dev_addr"`
	LastSeenAt        *time.Time      `db:"last_seen_at"`
	LastSeenDR        int             `db:"last_seen_dr"`
	TagsJSON          []byte          `db:"tags"`
	VariablesJSON     []byte          `db:"variables"`
	DeviceSessionJSON []byte          `db:"device_session"`
	SchedulerRunAfter *time.Time      `db:"scheduler_run_after"`
	DeviceLock        string          `db:"device_lock"`
	DeviceLockExpires *time.Time      `db:"device_lock_expires_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// Tags decodes TagsJSON.
func (d Device) Tags() (map[string]string, error) {
	return decodeStringMap(d.TagsJSON)
}

// Variables decodes VariablesJSON.
func (d Device) Variables() (map[string]string, error) {
	return decodeStringMap(d.VariablesJSON)
}

func decodeStringMap(b []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal string map")
	}
	return m, nil
}

// ValidationStatus describes the outcome of matching an uplink's frame
// counter against a candidate device-session.
type ValidationStatus int

// Possible validation outcomes.
const (
	// ValidationOK: the uplink's full frame-counter is >= the session's
	// expected value (or skip_fcnt_check is set); the session has been
	// updated and persisted.
	ValidationOK ValidationStatus = iota

	// ValidationRetransmission: the full frame-counter equals the last
	// accepted one; the session was left untouched.
	ValidationRetransmission

	// ValidationReset: the full frame-counter is otherwise stale,
	// suggesting the device rebooted its counter; the session was left
	// untouched.
	ValidationReset
)

// GetFullFCntUp reconstructs the 32-bit frame counter from the 16-bit
// truncated value carried on the wire, given the next expected full
// counter. Ported from the original frame-counter-reconstruction routine:
// a truncated value exactly one below the expected 16 LSBs is treated as
// the previous (not next) frame, to tolerate the uplink that arrives after
// its own retransmission.
func GetFullFCntUp(nextExpectedFullFCnt, truncatedFCntUp uint32) uint32 {
	expectedTrunc := uint16(nextExpectedFullFCnt % 65536)
	if uint16(truncatedFCntUp) == expectedTrunc-1 {
		return nextExpectedFullFCnt - 1
	}
	return nextExpectedFullFCnt + uint32(uint16(truncatedFCntUp)-expectedTrunc)
}

// GetDeviceForPHYAndIncrFCntUp resolves phy against every device-session
// sharing its DevAddr (including pending-rejoin sessions), verifying the
// MIC under each candidate's full frame-counter. On the first MIC match it
// atomically increments the session's FCntUp (for ValidationOK) and bumps
// the owning device's scheduler_run_after, inside one PostgreSQL row-level
// lock on the device so a concurrent duplicate from another gateway can
// never double-increment. Returns ErrInvalidMIC if no candidate matches.
func GetDeviceForPHYAndIncrFCntUp(ctx context.Context, rc *redis.Client, classALockDuration time.Duration, regionConfigID string, phy lorawan.PHYPayload, txDR, txCh int) (ValidationStatus, uint32, Device, DeviceSession, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return 0, 0, Device{}, DeviceSession{}, errors.Errorf("expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}
	originalFCnt := macPL.FHDR.FCnt

	sessions, err := GetDeviceSessionsForDevAddr(ctx, rc, macPL.FHDR.DevAddr)
	if err != nil {
		return 0, 0, Device{}, DeviceSession{}, err
	}

	schedulerRunAfter := time.Now().Add(classALockDuration)

	for _, s := range sessions {
		if s.RegionConfigID != "" && s.RegionConfigID != regionConfigID {
			continue
		}

		candidates := []uint32{GetFullFCntUp(s.FCntUp, originalFCnt), originalFCnt}

		for _, fullFCnt := range candidates {
			macPL.FHDR.FCnt = fullFCnt
			micOK, err := phy.ValidateUplinkDataMIC(s.GetMACVersion(), s.ConfFCnt, uint8(txDR), uint8(txCh), s.FNwkSIntKey, s.SNwkSIntKey)
			if err != nil {
				return 0, 0, Device{}, DeviceSession{}, errors.Wrap(err, "validate uplink mic")
			}
			if !micOK {
				continue
			}

			status, device, newSession, err := resolveFCntAndPersist(ctx, rc, s, fullFCnt, schedulerRunAfter)
			if err != nil {
				if errors.Is(err, errs.ErrDoesNotExist) {
					// keep looking at other session candidates
					continue
				}
				// A MIC match against a disabled device's session is
				// authoritative: restore the original FCnt and abort
				// rather than keep probing other candidates.
				macPL.FHDR.FCnt = originalFCnt
				return 0, 0, Device{}, DeviceSession{}, err
			}

			return status, fullFCnt, device, newSession, nil
		}
	}

	macPL.FHDR.FCnt = originalFCnt
	return 0, 0, Device{}, DeviceSession{}, errs.ErrInvalidMIC
}

func resolveFCntAndPersist(ctx context.Context, rc *redis.Client, s DeviceSession, fullFCnt uint32, schedulerRunAfter time.Time) (ValidationStatus, Device, DeviceSession, error) {
	var status ValidationStatus
	var device Device

	err := sqlTx(ctx, func(tx *sqlx.Tx) error {
		d, err := getDeviceForUpdate(ctx, tx, s.DevEUI)
		if err != nil {
			return err
		}
		if d.IsDisabled {
			return errs.ErrDeviceIsDisabled
		}
		device = d

		switch {
		case fullFCnt >= s.FCntUp:
			status = ValidationOK
			s.FCntUp = fullFCnt + 1
		case s.SkipFCntValidation:
			status = ValidationOK
			s.FCntUp = 0
			s.UplinkHistory = nil
		case fullFCnt == s.FCntUp-1:
			status = ValidationRetransmission
			return nil
		default:
			status = ValidationReset
			return nil
		}

		if device.SchedulerRunAfter == nil || device.SchedulerRunAfter.Before(schedulerRunAfter) {
			device.SchedulerRunAfter = &schedulerRunAfter
		}
		now := time.Now()
		device.LastSeenAt = &now

		return updateDeviceSchedulingTx(ctx, tx, &device)
	})
	if err != nil {
		return 0, Device{}, DeviceSession{}, err
	}

	if status == ValidationOK {
		if err := SaveDeviceSession(ctx, rc, s); err != nil {
			return 0, Device{}, DeviceSession{}, err
		}
	}

	return status, device, s, nil
}

func getDeviceForUpdate(ctx context.Context, tx *sqlx.Tx, devEUI lorawan.EUI64) (Device, error) {
	var d Device
	err := tx.GetContext(ctx, &d, "select * from device where dev_eui = $1 for update", devEUI[:])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, errs.ErrDoesNotExist
		}
		return d, wrapDBError(err, "get device for update")
	}
	return d, nil
}

func updateDeviceSchedulingTx(ctx context.Context, tx *sqlx.Tx, d *Device) error {
	_, err := tx.ExecContext(ctx, `
		update device set
			scheduler_run_after = $2, last_seen_at = $3, updated_at = now()
		where dev_eui = $1`,
		d.DevEUI[:], d.SchedulerRunAfter, d.LastSeenAt,
	)
	return wrapDBError(err, "update device scheduling")
}

// CreateDevice inserts d.
func CreateDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	var devAddr, secDevAddr []byte
	if d.DevAddr != nil {
		devAddr = d.DevAddr[:]
	}
	if d.SecondaryDevAddr != nil {
		secDevAddr = d.SecondaryDevAddr[:]
	}

	_, err := db.ExecContext(ctx, `
		insert into device (
			dev_eui, application_id, device_profile_id, name, enabled_class,
			is_disabled, skip_fcnt_check, dev_addr, secondary_dev_addr,
			tags, variables, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.DevEUI[:], d.ApplicationID, d.DeviceProfileID, d.Name, d.EnabledClass,
		d.IsDisabled, d.SkipFCntCheck, devAddr, secDevAddr,
		d.TagsJSON, d.VariablesJSON, d.CreatedAt, d.UpdatedAt,
	)
	return wrapDBError(err, "create device")
}

// GetDevice returns the device with the given DevEUI.
func GetDevice(ctx context.Context, devEUI lorawan.EUI64) (Device, error) {
	var d Device
	err := db.GetContext(ctx, &d, "select * from device where dev_eui = $1", devEUI[:])
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return d, errs.ErrDoesNotExist
		}
		return d, wrapDBError(err, "get device")
	}
	return d, nil
}

// UpdateDevice persists every mutable field of d.
func UpdateDevice(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now()

	var devAddr, secDevAddr []byte
	if d.DevAddr != nil {
		devAddr = d.DevAddr[:]
	}
	if d.SecondaryDevAddr != nil {
		secDevAddr = d.SecondaryDevAddr[:]
	}

	res, err := db.ExecContext(ctx, `
		update device set
			name = $2, enabled_class = $3, is_disabled = $4,
			skip_fcnt_check = $5, dev_addr = $6, secondary_dev_addr = $7,
			last_seen_at = $8, last_seen_dr = $9, tags = $10, variables = $11,
			scheduler_run_after = $12, updated_at = $13
		where dev_eui = $1`,
		d.DevEUI[:], d.Name, d.EnabledClass, d.IsDisabled, d.SkipFCntCheck,
		devAddr, secDevAddr, d.LastSeenAt, d.LastSeenDR, d.TagsJSON,
		d.VariablesJSON, d.SchedulerRunAfter, d.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update device")
	}
	return checkRowsAffected(res)
}

// DeleteDevice removes the device with the given DevEUI, and any cached
// device-session / gateway rx-info for it.
func DeleteDevice(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) error {
	res, err := db.ExecContext(ctx, "delete from device where dev_eui = $1", devEUI[:])
	if err != nil {
		return wrapDBError(err, "delete device")
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	if err := DeleteDeviceSession(ctx, rc, devEUI); err != nil && !errors.Is(err, errs.ErrDoesNotExist) {
		log.WithError(err).WithField("dev_eui", devEUI).Warning("storage: delete device-session on device delete")
	}
	if err := DeleteDeviceGatewayRXInfoSet(ctx, rc, devEUI); err != nil && !errors.Is(err, errs.ErrDoesNotExist) {
		log.WithError(err).WithField("dev_eui", devEUI).Warning("storage: delete gateway-rx-info on device delete")
	}

	return nil
}

// SetDeviceLock acquires an advisory lock on the device, returning false
// (without error) if it is already locked by someone else.
func SetDeviceLock(ctx context.Context, devEUI lorawan.EUI64, lockUUID string, ttl time.Duration) (bool, error) {
	res, err := db.ExecContext(ctx, `
		update device set device_lock = $2, device_lock_expires_at = $3
		where dev_eui = $1 and (device_lock_expires_at is null or device_lock_expires_at < now())`,
		devEUI[:], lockUUID, time.Now().Add(ttl),
	)
	if err != nil {
		return false, wrapDBError(err, "set device lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapDBError(err, "rows affected")
	}
	return n == 1, nil
}

// ClaimClassBOrCDevices selects up to limit Class-B/C devices that are due
// for a scheduler pass (scheduler_run_after is null or in the past) and
// have at least one non-pending, non-timed-out queue item, bumping their
// scheduler_run_after so a concurrent scheduler tick (or instance) cannot
// claim the same device twice. Grounded on the original
// get_with_class_b_c_queue_items SQL: FOR UPDATE SKIP LOCKED makes the
// claim safe across concurrent callers without an application-level lock.
func ClaimClassBOrCDevices(ctx context.Context, interval time.Duration, limit int) ([]Device, error) {
	var devices []Device

	err := sqlTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `
			update device set scheduler_run_after = $1
			where dev_eui in (
				select d.dev_eui
				from device d
				where d.enabled_class in ('B', 'C')
				  and not d.is_disabled
				  and (d.scheduler_run_after is null or d.scheduler_run_after < now())
				  and exists (
				      select 1 from device_queue_item qi
				      where qi.dev_eui = d.dev_eui
				        and (qi.is_pending = false or qi.timeout_after < now())
				  )
				order by d.dev_eui
				limit $2
				for update skip locked
			)
			returning *`,
			time.Now().Add(2*interval), limit,
		)
		if err != nil {
			return wrapDBError(err, "claim class-b/c devices")
		}
		defer rows.Close()

		for rows.Next() {
			var d Device
			if err := rows.StructScan(&d); err != nil {
				return wrapDBError(err, "scan claimed device")
			}
			devices = append(devices, d)
		}
		return rows.Err()
	})

	return devices, err
}
