package maccommand

import (
	"time"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RequestDevStatus reports whether a DevStatusReq is due, given the
// configured interval (requests per day) and the last time one was sent.
func RequestDevStatus(interval float64, lastRequested time.Time, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	if lastRequested.IsZero() {
		return true
	}
	return now.Sub(lastRequested) >= time.Duration(24*time.Hour/time.Duration(interval))
}

// DevStatusReq builds the (payload-less) DevStatusReq command.
func DevStatusReq() lorawan.MACCommand {
	return lorawan.MACCommand{CID: lorawan.DevStatusReq}
}

// HandleDevStatusAns logs the device's reported battery level and margin.
// The teacher's own NS only logs this (there is no per-device battery
// column in this repo's Device model); a fuller implementation would record
// it as a device metric.
func HandleDevStatusAns(devEUI lorawan.EUI64, block lorawan.MACCommand) error {
	pl, ok := block.Payload.(*lorawan.DevStatusAnsPayload)
	if !ok {
		return errors.New("maccommand: expected *lorawan.DevStatusAnsPayload")
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"battery": pl.Battery,
		"margin":  pl.Margin,
	}).Info("maccommand: dev_status_ans received")

	return nil
}
