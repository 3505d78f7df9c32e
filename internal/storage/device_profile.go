package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

// MeasurementKind classifies a single measurement reported in the
// decoded uplink payload.
type MeasurementKind string

const (
	MeasurementUnknown  MeasurementKind = "UNKNOWN"
	MeasurementCounter  MeasurementKind = "COUNTER"
	MeasurementAbsolute MeasurementKind = "ABSOLUTE"
	MeasurementGauge    MeasurementKind = "GAUGE"
	MeasurementString   MeasurementKind = "STRING"
)

// Measurement declares how one field of a decoded uplink payload should be
// recorded as a time-series point.
type Measurement struct {
	Name string          `json:"name"`
	Kind MeasurementKind `json:"kind"`
}

// DeviceProfile belongs to one Tenant and declares everything about a
// class of devices that is not per-device state.
type DeviceProfile struct {
	ID                    string    `db:"id"`
	TenantID              string    `db:"tenant_id"`
	Name                  string    `db:"name"`
	RegionConfigID        string    `db:"region_config_id"`
	MACVersion            string    `db:"mac_version"`
	RegParamsRevision     string    `db:"reg_params_revision"`
	SupportsClassB        bool      `db:"supports_class_b"`
	SupportsClassC        bool      `db:"supports_class_c"`
	SupportsOTAA          bool      `db:"supports_otaa"`
	ADRAlgorithmID        string    `db:"adr_algorithm_id"`
	UplinkInterval        time.Duration `db:"uplink_interval"`
	PayloadCodec          string    `db:"payload_codec"`
	PayloadCodecScript    string    `db:"payload_codec_script"`
	FlushQueueOnActivate  bool      `db:"flush_queue_on_activate"`
	AutoDetectMeasurements bool     `db:"auto_detect_measurements"`
	MeasurementsJSON      []byte    `db:"measurements"`
	RejoinRequestEnabled  bool      `db:"rejoin_request_enabled"`
	RejoinRequestMaxCountN int      `db:"rejoin_request_max_count_n"`
	RejoinRequestMaxTimeN int       `db:"rejoin_request_max_time_n"`

	// ABP boot parameters, applied by DeviceSession.ResetToBootParameters
	// for devices that do not use OTAA.
	FactoryPresetFreqs []int `db:"-"`
	RXDelay1           int   `db:"rx_delay_1"`
	RXDROffset1        int   `db:"rx_dr_offset_1"`
	RXDataRate2        int   `db:"rx_data_rate_2"`
	RXFreq2            int   `db:"rx_freq_2"`
	PingSlotDR         int   `db:"ping_slot_dr"`
	PingSlotFreq       int   `db:"ping_slot_freq"`
	PingSlotPeriod     int   `db:"ping_slot_period"`

	// RXWindow forces the downlink pipeline's RX-window choice for devices
	// on this profile: 0 lets it pick between RX1/RX2 per
	// network_server.rx2_prefer_on_rx1_dr_lt/rx2_prefer_on_link_budget, 1
	// pins RX1, 2 pins RX2.
	RXWindow int `db:"rx_window"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Measurements decodes MeasurementsJSON.
func (dp DeviceProfile) Measurements() (map[string]Measurement, error) {
	m := map[string]Measurement{}
	if len(dp.MeasurementsJSON) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(dp.MeasurementsJSON, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal measurements")
	}
	return m, nil
}

// SetMeasurements encodes m into MeasurementsJSON.
func (dp *DeviceProfile) SetMeasurements(m map[string]Measurement) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal measurements")
	}
	dp.MeasurementsJSON = b
	return nil
}

// CreateDeviceProfile inserts dp.
func CreateDeviceProfile(ctx context.Context, dp *DeviceProfile) error {
	now := time.Now()
	dp.CreatedAt = now
	dp.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		insert into device_profile (
			id, tenant_id, name, region_config_id, mac_version,
			reg_params_revision, supports_class_b, supports_class_c,
			supports_otaa, adr_algorithm_id, uplink_interval, payload_codec,
			payload_codec_script, flush_queue_on_activate,
			auto_detect_measurements, measurements, rejoin_request_enabled,
			rejoin_request_max_count_n, rejoin_request_max_time_n,
			created_at, updated_at
		) values (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`,
		dp.ID, dp.TenantID, dp.Name, dp.RegionConfigID, dp.MACVersion,
		dp.RegParamsRevision, dp.SupportsClassB, dp.SupportsClassC,
		dp.SupportsOTAA, dp.ADRAlgorithmID, dp.UplinkInterval, dp.PayloadCodec,
		dp.PayloadCodecScript, dp.FlushQueueOnActivate,
		dp.AutoDetectMeasurements, dp.MeasurementsJSON, dp.RejoinRequestEnabled,
		dp.RejoinRequestMaxCountN, dp.RejoinRequestMaxTimeN, dp.CreatedAt, dp.UpdatedAt,
	)
	return wrapDBError(err, "create device_profile")
}

// GetDeviceProfile returns the device-profile with the given id.
func GetDeviceProfile(ctx context.Context, id string) (DeviceProfile, error) {
	var dp DeviceProfile
	err := db.GetContext(ctx, &dp, "select * from device_profile where id = $1", id)
	if err != nil {
		if errors.Is(err, errSQLNoRows) {
			return dp, errs.ErrDoesNotExist
		}
		return dp, wrapDBError(err, "get device_profile")
	}
	return dp, nil
}

// UpdateDeviceProfile persists every mutable field of dp.
func UpdateDeviceProfile(ctx context.Context, dp *DeviceProfile) error {
	dp.UpdatedAt = time.Now()

	res, err := db.ExecContext(ctx, `
		update device_profile set
			name = $2, region_config_id = $3, mac_version = $4,
			reg_params_revision = $5, supports_class_b = $6,
			supports_class_c = $7, supports_otaa = $8, adr_algorithm_id = $9,
			uplink_interval = $10, payload_codec = $11,
			payload_codec_script = $12, flush_queue_on_activate = $13,
			auto_detect_measurements = $14, measurements = $15,
			rejoin_request_enabled = $16, rejoin_request_max_count_n = $17,
			rejoin_request_max_time_n = $18, updated_at = $19
		where id = $1`,
		dp.ID, dp.Name, dp.RegionConfigID, dp.MACVersion, dp.RegParamsRevision,
		dp.SupportsClassB, dp.SupportsClassC, dp.SupportsOTAA, dp.ADRAlgorithmID,
		dp.UplinkInterval, dp.PayloadCodec, dp.PayloadCodecScript,
		dp.FlushQueueOnActivate, dp.AutoDetectMeasurements, dp.MeasurementsJSON,
		dp.RejoinRequestEnabled, dp.RejoinRequestMaxCountN, dp.RejoinRequestMaxTimeN,
		dp.UpdatedAt,
	)
	if err != nil {
		return wrapDBError(err, "update device_profile")
	}
	return checkRowsAffected(res)
}

// DeleteDeviceProfile removes the device-profile with the given id.
func DeleteDeviceProfile(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "delete from device_profile where id = $1", id)
	if err != nil {
		return wrapDBError(err, "delete device_profile")
	}
	return checkRowsAffected(res)
}
