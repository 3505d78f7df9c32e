package integration

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/mmcloughlin/geohash"
	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

var precisionUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"u":  time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
}

// InfluxDBSink writes uplink and device-status measurements as InfluxDB
// line protocol, in both the v1 (db/retention-policy, optional basic auth)
// and v2 (org/bucket, token auth) wire dialects. It only implements the
// uplink and status events: joins, acks and logs carry nothing
// measurement-shaped and are intentionally no-ops here.
type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxDBSink builds the sink for conf, selecting the v1 or v2 wire
// dialect per conf.Version (1 or 2).
func NewInfluxDBSink(conf config.InfluxDBConfig, timeout time.Duration) (*InfluxDBSink, error) {
	precision := precisionUnits[conf.Precision]
	if precision == 0 {
		precision = time.Nanosecond
	}

	opts := influxdb2.DefaultOptions().
		SetPrecision(precision).
		SetHTTPRequestTimeout(uint(timeout / time.Second))

	var token, org, bucket string
	switch conf.Version {
	case 2:
		token = conf.Token
		org = conf.Organization
		bucket = conf.Bucket
	case 1:
		// the official client's documented v1-compatibility mode: an
		// empty org plus "db/retention-policy" as the bucket, and the
		// username:password pair (if any) standing in for the token.
		org = ""
		bucket = conf.DB
		if conf.RetentionPolicy != "" {
			bucket = fmt.Sprintf("%s/%s", conf.DB, conf.RetentionPolicy)
		}
		if conf.Username != "" {
			token = fmt.Sprintf("%s:%s", conf.Username, conf.Password)
		}
	default:
		return nil, errors.Errorf("integration/influxdb: unsupported version %d", conf.Version)
	}

	client := influxdb2.NewClientWithOptions(conf.Endpoint, token, opts)
	return &InfluxDBSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}, nil
}

func deviceTags(di DeviceInfo) map[string]string {
	tags := make(map[string]string, len(di.Tags)+3)
	for k, v := range di.Tags {
		tags[k] = v
	}
	tags["application_name"] = di.ApplicationName
	tags["device_name"] = di.DeviceName
	tags["dev_eui"] = di.DevEUI.String()
	return tags
}

func (s *InfluxDBSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	tags := deviceTags(e.DeviceInfo)

	var maxRSSI int32
	var maxSNR float64
	for i, rx := range e.RXInfo {
		if i == 0 || rx.RSSI > maxRSSI {
			maxRSSI = rx.RSSI
		}
		if i == 0 || rx.SNR > maxSNR {
			maxSNR = rx.SNR
		}
	}

	points := []*write.Point{
		write.NewPoint("device_uplink", mergeTags(tags, map[string]string{
			"frequency": fmt.Sprintf("%d", e.Frequency),
			"dr":        fmt.Sprintf("%d", e.DR),
		}), map[string]interface{}{
			"value": 1,
			"f_cnt": int64(e.FCnt),
			"rssi":  int64(maxRSSI),
			"snr":   maxSNR,
		}, time.Now()),
	}

	objTags := mergeTags(tags, map[string]string{"f_port": fmt.Sprintf("%d", e.FPort)})
	points = append(points, objectMeasurements(objTags, "device_frmpayload_data", e.Object)...)

	return s.writeAPI.WritePoint(ctx, points...)
}

func (s *InfluxDBSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	tags := deviceTags(e.DeviceInfo)
	var points []*write.Point

	if !e.ExternalPowerSource && !e.BatteryLevelUnavailable {
		points = append(points, write.NewPoint("device_status_battery_level", tags, map[string]interface{}{
			"value": float64(e.BatteryLevel),
		}, time.Now()))
	}

	points = append(points, write.NewPoint("device_status_margin", tags, map[string]interface{}{
		"value": int64(e.Margin),
	}, time.Now()))

	return s.writeAPI.WritePoint(ctx, points...)
}

func (s *InfluxDBSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error   { return nil }
func (s *InfluxDBSink) HandleAckEvent(ctx context.Context, e AckEvent) error     { return nil }
func (s *InfluxDBSink) HandleLogEvent(ctx context.Context, e LogEvent) error     { return nil }

// objectMeasurements turns a decoded codec object into one point per scalar
// field (named prefix_<key>), recursing into nested objects with
// prefix_<key> as their prefix, and folding latitude/longitude pairs into a
// single prefix_location point carrying a geohash alongside the raw
// coordinates, the way a GPS-equipped payload is represented in LoRaWAN
// codec output.
func objectMeasurements(tags map[string]string, prefix string, obj map[string]interface{}) []*write.Point {
	if obj == nil {
		return nil
	}

	var points []*write.Point

	if lat, lon, ok := latLon(obj); ok {
		points = append(points, write.NewPoint(prefix+"_location", tags, map[string]interface{}{
			"latitude":  lat,
			"longitude": lon,
			"geohash":   geohash.Encode(lat, lon),
		}, time.Now()))
	}

	for k, v := range obj {
		if k == "latitude" || k == "longitude" {
			continue
		}
		name := fmt.Sprintf("%s_%s", prefix, k)
		switch tv := v.(type) {
		case float64:
			points = append(points, write.NewPoint(name, tags, map[string]interface{}{"value": tv}, time.Now()))
		case string:
			points = append(points, write.NewPoint(name, tags, map[string]interface{}{"value": tv}, time.Now()))
		case bool:
			points = append(points, write.NewPoint(name, tags, map[string]interface{}{"value": tv}, time.Now()))
		case map[string]interface{}:
			points = append(points, objectMeasurements(tags, name, tv)...)
		}
	}

	return points
}

func latLon(obj map[string]interface{}) (float64, float64, bool) {
	lat, latOK := obj["latitude"].(float64)
	lon, lonOK := obj["longitude"].(float64)
	return lat, lon, latOK && lonOK
}

func mergeTags(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
