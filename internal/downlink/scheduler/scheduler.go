// Package scheduler runs the periodic pass that pushes queued downlinks to
// Class-B and Class-C devices, which (unlike Class-A) are not triggered by
// an uplink's RX1/RX2 window.
package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan/gps"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
	"github.com/chirpstack/chirpstack-sub001/internal/downlink"
	"github.com/chirpstack/chirpstack-sub001/internal/downlink/classb"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

var conf config.SchedulerConfig

// Setup configures the scheduler's polling interval and per-class lock
// durations.
func Setup(c config.SchedulerConfig) {
	conf = c
}

// Run ticks every conf.Interval until ctx is cancelled, each time claiming
// and dispatching every Class-B/C device with a downlink due.
func Run(ctx context.Context) {
	interval := conf.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func tick(ctx context.Context) {
	batchSize := conf.SchedulerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	devices, err := storage.ClaimClassBOrCDevices(ctx, conf.Interval, batchSize)
	if err != nil {
		log.WithError(err).Error("scheduler: claim class-b/c devices")
		return
	}

	for _, d := range devices {
		d := d
		go dispatch(ctx, d)
	}
}

func dispatch(ctx context.Context, d storage.Device) {
	ttl := conf.ClassCLockDuration
	release, err := storage.GetDeviceLock(ctx, storage.RedisPool(), d.DevEUI, ttl)
	if err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Debug("scheduler: could not acquire device lock")
		return
	}
	defer release(ctx)

	s, err := storage.GetDeviceSession(ctx, storage.RedisPool(), d.DevEUI)
	if err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("scheduler: get device-session")
		return
	}

	dp, err := storage.GetDeviceProfile(ctx, d.DeviceProfileID)
	if err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("scheduler: get device profile")
		return
	}

	var gpsTime *time.Duration
	if d.EnabledClass == storage.DeviceClassB {
		afterGPS := gps.Time(time.Now()).TimeSinceGPSEpoch()
		t, err := classb.GetNextPingSlotAfter(afterGPS, s.DevAddr, s.PingSlotNb)
		if err != nil {
			log.WithError(err).WithField("dev_eui", d.DevEUI).Warning("scheduler: compute next ping-slot")
			return
		}
		gpsTime = &t
	}

	if err := downlink.HandleScheduledResponse(ctx, d, dp, s, gpsTime); err != nil {
		log.WithError(err).WithField("dev_eui", d.DevEUI).Error("scheduler: schedule class-b/c response")
	}
}
