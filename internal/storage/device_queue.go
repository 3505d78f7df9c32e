package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/gps"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// DeviceQueueItem is one FIFO-ordered downlink waiting to be sent to a
// device. At most one item per device may have IsPending true.
type DeviceQueueItem struct {
	ID           int64          `db:"id"`
	DevEUI       lorawan.EUI64  `db:"dev_eui"`
	FRMPayload   []byte         `db:"frm_payload"`
	FPort        uint8          `db:"f_port"`
	Confirmed    bool           `db:"confirmed"`
	IsPending    bool           `db:"is_pending"`
	FCntDown     *uint32        `db:"f_cnt_down"`
	TimeoutAfter *time.Time     `db:"timeout_after"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Validate checks the invariants CreateDeviceQueueItem requires.
func (qi DeviceQueueItem) Validate() error {
	if qi.FPort == 0 {
		return errs.ErrInvalidFPort
	}
	return nil
}

// CreateDeviceQueueItem inserts qi at the back of its device's queue.
func CreateDeviceQueueItem(ctx context.Context, qi *DeviceQueueItem) error {
	if err := qi.Validate(); err != nil {
		return err
	}

	now := time.Now()
	qi.CreatedAt = now
	qi.UpdatedAt = now

	row := db.QueryRowxContext(ctx, `
		insert into device_queue_item (
			dev_eui, frm_payload, f_port, confirmed, is_pending,
			f_cnt_down, timeout_after, created_at, updated_at
		) values ($1, $2, $3, $4, false, null, $5, $6, $7)
		returning id`,
		qi.DevEUI[:], qi.FRMPayload, qi.FPort, qi.Confirmed, qi.TimeoutAfter,
		qi.CreatedAt, qi.UpdatedAt,
	)
	return wrapDBError(row.Scan(&qi.ID), "create device_queue_item")
}

// GetDeviceQueueItem returns the queue item with the given id.
func GetDeviceQueueItem(ctx context.Context, id int64) (DeviceQueueItem, error) {
	var qi DeviceQueueItem
	err := db.GetContext(ctx, &qi, "select * from device_queue_item where id = $1", id)
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return qi, errs.ErrDoesNotExist
		}
		return qi, wrapDBError(err, "get device_queue_item")
	}
	return qi, nil
}

// UpdateDeviceQueueItem persists every mutable field of qi.
func UpdateDeviceQueueItem(ctx context.Context, qi *DeviceQueueItem) error {
	qi.UpdatedAt = time.Now()

	res, err := db.ExecContext(ctx, `
		update device_queue_item set
			is_pending = $2, f_cnt_down = $3, updated_at = $4
		where id = $1`,
		qi.ID, qi.IsPending, qi.FCntDown, qi.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update device_queue_item")
	}
	return checkRowsAffected(res)
}

// DeleteDeviceQueueItem removes the queue item with the given id.
func DeleteDeviceQueueItem(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "delete from device_queue_item where id = $1", id)
	if err != nil {
		return wrapDBError(err, "delete device_queue_item")
	}
	return checkRowsAffected(res)
}

// GetDeviceQueueItemsForDevEUI returns every queue item for devEUI, in
// FIFO (id ascending) order.
func GetDeviceQueueItemsForDevEUI(ctx context.Context, devEUI lorawan.EUI64) ([]DeviceQueueItem, error) {
	var items []DeviceQueueItem
	err := db.SelectContext(ctx, &items, "select * from device_queue_item where dev_eui = $1 order by id", devEUI[:])
	return items, wrapDBError(err, "get device_queue_items")
}

// GetNextDeviceQueueItemForDevEUI returns the front of devEUI's queue.
func GetNextDeviceQueueItemForDevEUI(ctx context.Context, devEUI lorawan.EUI64) (DeviceQueueItem, error) {
	var qi DeviceQueueItem
	err := db.GetContext(ctx, &qi, "select * from device_queue_item where dev_eui = $1 order by id limit 1", devEUI[:])
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return qi, errs.ErrDoesNotExist
		}
		return qi, wrapDBError(err, "get next device_queue_item")
	}
	return qi, nil
}

// FlushDeviceQueueForDevEUI deletes every queue item for devEUI.
func FlushDeviceQueueForDevEUI(ctx context.Context, devEUI lorawan.EUI64) error {
	_, err := db.ExecContext(ctx, "delete from device_queue_item where dev_eui = $1", devEUI[:])
	return wrapDBError(err, "flush device_queue")
}

// QueueItemOutcome reports why the scheduling loop rejected a queue item
// it read off the front of the queue, so the caller can fire the matching
// integration event (ack with acknowledged=false, or a log event) before
// moving on to the next item.
type QueueItemOutcome int

// Possible rejection outcomes.
const (
	// QueueItemAccepted: the item fits and is not pending; use it.
	QueueItemAccepted QueueItemOutcome = iota
	// QueueItemTimedOut: the item was pending and its timeout elapsed.
	QueueItemTimedOut
	// QueueItemTooLarge: the item's payload exceeds maxPayloadSize.
	QueueItemTooLarge
	// QueueItemEmpty: the device has no queue item at all.
	QueueItemEmpty
)

// NextDeviceQueueItemResult pairs a fetched queue item with the reason it
// was (or wasn't) accepted. Skipped accumulates every item the walk deleted
// before reaching Item/Outcome, so the caller can still fire their ack/log
// events even though they are no longer at the front of the queue.
type NextDeviceQueueItemResult struct {
	Item    DeviceQueueItem
	Outcome QueueItemOutcome
	Skipped []NextDeviceQueueItemResult
}

// GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt walks devEUI's queue
// from the front, deleting every item that is either a timed out
// retransmission-in-flight or larger than maxPayloadSize, until it finds one
// it can use or runs out of items. Every deleted item is reported in the
// returned result's Skipped slice, in the order encountered.
func GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(ctx context.Context, devEUI lorawan.EUI64, maxPayloadSize int, fCntDown uint32) (NextDeviceQueueItemResult, error) {
	var skipped []NextDeviceQueueItemResult

	for {
		qi, err := GetNextDeviceQueueItemForDevEUI(ctx, devEUI)
		if err != nil {
			if errors.Is(err, errs.ErrDoesNotExist) {
				return NextDeviceQueueItemResult{Outcome: QueueItemEmpty, Skipped: skipped}, nil
			}
			return NextDeviceQueueItemResult{}, err
		}

		if qi.IsPending && qi.TimeoutAfter != nil && qi.TimeoutAfter.Before(time.Now()) {
			if err := DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
				return NextDeviceQueueItemResult{}, err
			}
			skipped = append(skipped, NextDeviceQueueItemResult{Item: qi, Outcome: QueueItemTimedOut})
			continue
		}

		if len(qi.FRMPayload) > maxPayloadSize {
			if err := DeleteDeviceQueueItem(ctx, qi.ID); err != nil {
				return NextDeviceQueueItemResult{}, err
			}
			skipped = append(skipped, NextDeviceQueueItemResult{Item: qi, Outcome: QueueItemTooLarge})
			continue
		}

		if !qi.IsPending {
			return NextDeviceQueueItemResult{Item: qi, Outcome: QueueItemAccepted, Skipped: skipped}, nil
		}

		// pending but not yet timed out: nothing usable right now.
		return NextDeviceQueueItemResult{Outcome: QueueItemEmpty, Skipped: skipped}, nil
	}
}

// GetPendingDeviceQueueItemForDevEUI returns devEUI's in-flight confirmed
// queue item, if any, so an uplink's ACK bit can be matched back to the
// downlink it confirms.
func GetPendingDeviceQueueItemForDevEUI(ctx context.Context, devEUI lorawan.EUI64) (DeviceQueueItem, error) {
	var qi DeviceQueueItem
	err := db.GetContext(ctx, &qi, "select * from device_queue_item where dev_eui = $1 and is_pending = true order by id limit 1", devEUI[:])
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return qi, errs.ErrDoesNotExist
		}
		return qi, wrapDBError(err, "get pending device_queue_item")
	}
	return qi, nil
}

// GetMaxEmitAtTimeSinceGPSEpochForDevEUI returns the latest timeout_after
// across devEUI's queue as a duration since the GPS epoch, or nil when no
// item has one.
func GetMaxEmitAtTimeSinceGPSEpochForDevEUI(ctx context.Context, tx *sqlx.Tx, devEUI lorawan.EUI64) (*time.Duration, error) {
	var seconds sql.NullTime
	err := tx.GetContext(ctx, &seconds, `
		select max(timeout_after) from device_queue_item where dev_eui = $1`, devEUI[:])
	if err != nil {
		return nil, wrapDBError(err, "get max emit-at")
	}
	if !seconds.Valid {
		return nil, nil
	}
	d := gps.Time(seconds.Time).TimeSinceGPSEpoch()
	return &d, nil
}

// GetDevicesWithClassBOrClassCDeviceQueueItems is a read-only helper used
// by the storage tests to observe which devices ClaimClassBOrCDevices
// would pick up, without mutating scheduler_run_after.
func GetDevicesWithClassBOrClassCDeviceQueueItems(ctx context.Context, tx *sqlx.Tx, limit int) ([]Device, error) {
	var devices []Device
	err := tx.SelectContext(ctx, &devices, `
		select d.* from device d
		where d.enabled_class in ('B', 'C')
		  and not d.is_disabled
		  and (d.scheduler_run_after is null or d.scheduler_run_after < now())
		  and exists (
		      select 1 from device_queue_item qi
		      where qi.dev_eui = d.dev_eui
		        and (qi.is_pending = false or qi.timeout_after < now())
		  )
		order by d.dev_eui
		limit $1`, limit,
	)
	return devices, wrapDBError(err, "get devices with class-b/c queue items")
}
