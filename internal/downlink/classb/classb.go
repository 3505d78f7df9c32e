// Package classb implements the Class-B ping-slot timing calculation:
// given a beacon period, it derives the pseudo-random ping-slot offset a
// device's DevAddr is assigned within that period.
package classb

import (
	"crypto/aes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
)

const (
	beaconPeriod   = 128 * time.Second
	pingPeriodBase = 4096 // 2^12, slots per beacon period
	slotLen        = 30 * time.Millisecond
	beaconReserved = 2120 * time.Millisecond // beacon airtime before slot 0
)

// pingNbToPeriod converts a ping_nb (number of ping-slots per beacon
// period, a power of two from 1 to 128) into its ping_period (the spacing,
// in slots, between consecutive ping-slots).
func pingNbToPeriod(pingNb int) int {
	if pingNb <= 0 {
		pingNb = 1
	}
	return pingPeriodBase / pingNb
}

// GetPingOffset returns the ping-slot offset (in 30ms units) within the
// beacon period starting at beaconTime, for devAddr and pingNb ping-slots
// per period. This mirrors the algorithm from LoRaWAN's Class-B
// specification: the offset is the low bits of
// AES128_encrypt(beaconTimeLo32 || devAddr || padding) taken modulo
// ping_period.
func GetPingOffset(beaconTime time.Duration, devAddr lorawan.DevAddr, pingNb int) (int, error) {
	pingPeriod := pingNbToPeriod(pingNb)

	var key [16]byte // the all-zero AES key used by the pseudo-random function
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return 0, errors.Wrap(err, "classb: new cipher")
	}

	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(beaconTime/time.Second))
	copy(buf[4:8], devAddr[:])

	var out [16]byte
	block.Encrypt(out[:], buf[:])

	rand := binary.LittleEndian.Uint16(out[0:2])
	return int(rand) % pingPeriod, nil
}

// GetNextPingSlotAfter returns the GPS-epoch duration of the next
// ping-slot for devAddr/pingNb occurring at or after afterGPS.
func GetNextPingSlotAfter(afterGPS time.Duration, devAddr lorawan.DevAddr, pingNb int) (time.Duration, error) {
	beaconTime := (afterGPS / beaconPeriod) * beaconPeriod

	for {
		offset, err := GetPingOffset(beaconTime, devAddr, pingNb)
		if err != nil {
			return 0, err
		}

		pingPeriod := pingNbToPeriod(pingNb)

		for slot := offset; slot < pingPeriodBase; slot += pingPeriod {
			t := beaconTime + beaconReserved + time.Duration(slot)*slotLen
			if t >= afterGPS {
				return t, nil
			}
		}

		beaconTime += beaconPeriod
	}
}
