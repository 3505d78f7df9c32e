package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	"github.com/chirpstack/chirpstack-sub001/internal/band"
	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/logging"
)

const (
	devAddrKeyTempl                = "lora:ns:devaddr:%s"     // set of DevEUIs using this DevAddr
	deviceSessionKeyTempl          = "lora:ns:device:%s"      // session of a DevEUI
	deviceGatewayRXInfoSetKeyTempl = "lora:ns:device:%s:gwrx" // gateway meta-data from the last uplink

	deviceSessionTTL = 31 * 24 * time.Hour
)

// UplinkHistorySize contains the number of frames to store.
const UplinkHistorySize = 20

// RXWindow defines the RX window option.
type RXWindow int8

// Available RX window options.
const (
	RX1 RXWindow = iota
	RX2
)

// DeviceGatewayRXInfoSet contains the rx-info set of the receiving gateways
// for the last uplink.
type DeviceGatewayRXInfoSet struct {
	DevEUI lorawan.EUI64          `json:"devEUI"`
	DR     int                    `json:"dr"`
	Items  []DeviceGatewayRXInfo `json:"items"`
}

// DeviceGatewayRXInfo holds the meta-data of a gateway receiving the last
// uplink message.
type DeviceGatewayRXInfo struct {
	GatewayID lorawan.EUI64 `json:"gatewayID"`
	RSSI      int           `json:"rssi"`
	LoRaSNR   float64       `json:"loRaSNR"`
	Antenna   uint32        `json:"antenna"`
	Board     uint32        `json:"board"`
	Context   []byte        `json:"context"`
}

// UplinkHistory contains the meta-data of an uplink transmission, one ring
// entry of the ADR engine's input history.
type UplinkHistory struct {
	FCnt         uint32  `json:"fCnt"`
	MaxSNR       float64 `json:"maxSNR"`
	MaxRSSI      int     `json:"maxRSSI"`
	TXPowerIndex int     `json:"txPowerIndex"`
	GatewayCount int     `json:"gatewayCount"`
}

// KeyEnvelope wraps an application session key, optionally under a KEK for
// end-to-end encryption.
type KeyEnvelope struct {
	KEKLabel string `json:"kekLabel"`
	AESKey   []byte `json:"aesKey"`
}

// RelayConfig carries the relay-mode settings a device-session may use when
// operating behind (or as) a LoRaWAN relay.
type RelayConfig struct {
	Enabled bool `json:"enabled"`
	IsRelay bool `json:"isRelay"`
}

// DeviceSession is the MAC-layer runtime state owned 1:1 by a Device. It is
// cached in Redis (keyed by DevEUI, indexed by DevAddr) in its JSON wire
// form; this package does not write the device.device_session column. JSON
// is the Open Question decision recorded in DESIGN.md: this repo does not vendor a
// generated protobuf package, so it re-encodes the teacher's protobuf
// DeviceSession message as JSON instead, which also represents the
// nested-nullable-nested PendingRejoinSession shape without extra plumbing.
type DeviceSession struct {
	MACVersion     string `json:"macVersion"`
	RegionConfigID string `json:"regionConfigID"`

	DeviceProfileID string `json:"deviceProfileID"`

	DevAddr        lorawan.DevAddr    `json:"devAddr"`
	DevEUI         lorawan.EUI64      `json:"devEUI"`
	JoinEUI        lorawan.EUI64      `json:"joinEUI"`
	FNwkSIntKey    lorawan.AES128Key  `json:"fNwkSIntKey"`
	SNwkSIntKey    lorawan.AES128Key  `json:"sNwkSIntKey"`
	NwkSEncKey     lorawan.AES128Key  `json:"nwkSEncKey"`
	AppSKeyEnvelope *KeyEnvelope      `json:"appSKeyEnvelope,omitempty"`

	FCntUp    uint32 `json:"fCntUp"`
	NFCntDown uint32 `json:"nFCntDown"`
	AFCntDown uint32 `json:"aFCntDown"`
	ConfFCnt  uint32 `json:"confFCnt"`

	// SkipFCntValidation is only used by ABP activation.
	SkipFCntValidation bool `json:"skipFCntValidation"`

	RXWindow     RXWindow `json:"rxWindow"`
	RXDelay      uint8    `json:"rxDelay"`
	RX1DROffset  uint8    `json:"rx1DROffset"`
	RX2DR        uint8    `json:"rx2DR"`
	RX2Frequency int      `json:"rx2Frequency"`

	TXPowerIndex int  `json:"txPowerIndex"`
	DR           int  `json:"dr"`
	ADR          bool `json:"adr"`

	MinSupportedTXPowerIndex int  `json:"minSupportedTXPowerIndex"`
	MaxSupportedTXPowerIndex int  `json:"maxSupportedTXPowerIndex"`
	NbTrans                  uint8 `json:"nbTrans"`

	EnabledUplinkChannels []int                    `json:"enabledUplinkChannels"`
	ExtraUplinkChannels   map[int]loraband.Channel `json:"extraUplinkChannels"`
	ChannelFrequencies    []int                    `json:"channelFrequencies"`
	UplinkHistory         []UplinkHistory          `json:"uplinkHistory"`

	LastDevStatusRequested time.Time `json:"lastDevStatusRequested"`
	LastDownlinkTX         time.Time `json:"lastDownlinkTX"`

	BeaconLocked      bool `json:"beaconLocked"`
	PingSlotNb        int  `json:"pingSlotNb"`
	PingSlotDR        int  `json:"pingSlotDR"`
	PingSlotFrequency int  `json:"pingSlotFrequency"`

	RejoinRequestEnabled   bool `json:"rejoinRequestEnabled"`
	RejoinRequestMaxCountN int  `json:"rejoinRequestMaxCountN"`
	RejoinRequestMaxTimeN  int  `json:"rejoinRequestMaxTimeN"`

	RejoinCount0         uint16         `json:"rejoinCount0"`
	PendingRejoinSession *DeviceSession `json:"pendingRejoinSession,omitempty"`

	ReferenceAltitude float64 `json:"referenceAltitude"`

	UplinkDwellTime400ms   bool `json:"uplinkDwellTime400ms"`
	DownlinkDwellTime400ms bool `json:"downlinkDwellTime400ms"`
	UplinkMaxEIRPIndex     uint8 `json:"uplinkMaxEIRPIndex"`

	Relay RelayConfig `json:"relay"`

	// MACCommandRequested records, per CID, when a request-response MAC
	// command was last issued to the device (used to avoid re-requesting
	// every uplink).
	MACCommandRequested map[lorawan.CID]time.Time `json:"macCommandRequested,omitempty"`
}

// AppendUplinkHistory appends an UplinkHistory item, keeping it in
// increasing FCnt order and never exceeding UplinkHistorySize entries.
// A retransmission (same FCnt as the last entry) is ignored.
func (s *DeviceSession) AppendUplinkHistory(up UplinkHistory) {
	if count := len(s.UplinkHistory); count > 0 {
		if s.UplinkHistory[count-1].FCnt == up.FCnt {
			return
		}
	}

	s.UplinkHistory = append(s.UplinkHistory, up)
	if count := len(s.UplinkHistory); count > UplinkHistorySize {
		s.UplinkHistory = s.UplinkHistory[count-UplinkHistorySize : count]
	}
}

// GetPacketLossPercentage returns the percentage of packet-loss over the
// records stored in UplinkHistory. Returns 0 until the history is full, to
// avoid reporting e.g. 33% after only the first three uplinks.
func (s DeviceSession) GetPacketLossPercentage() float64 {
	if len(s.UplinkHistory) < UplinkHistorySize {
		return 0
	}

	var lostPackets uint32
	var previousFCnt uint32

	for i, uh := range s.UplinkHistory {
		if i == 0 {
			previousFCnt = uh.FCnt
			continue
		}
		lostPackets += uh.FCnt - previousFCnt - 1
		previousFCnt = uh.FCnt
	}

	return float64(lostPackets) / float64(len(s.UplinkHistory)) * 100
}

// GetMACVersion returns the LoRaWAN mac version.
func (s DeviceSession) GetMACVersion() lorawan.MACVersion {
	if strings.HasPrefix(s.MACVersion, "1.1") {
		return lorawan.LoRaWAN1_1
	}
	return lorawan.LoRaWAN1_0
}

// ResetToBootParameters resets the device-session to the ABP boot
// parameters declared by dp. A no-op for OTAA-capable profiles, which get
// their parameters from the join-accept flow instead.
func (s *DeviceSession) ResetToBootParameters(dp DeviceProfile) {
	if dp.SupportsOTAA {
		return
	}

	b, err := band.Get(s.RegionConfigID)
	if err != nil {
		log.WithError(err).WithField("region_config_id", s.RegionConfigID).
			Error("device_session: reset to boot parameters: unknown region")
		return
	}

	s.TXPowerIndex = 0
	s.MinSupportedTXPowerIndex = 0
	s.MaxSupportedTXPowerIndex = 0
	s.ExtraUplinkChannels = make(map[int]loraband.Channel)
	s.RXDelay = uint8(dp.RXDelay1)
	s.RX1DROffset = uint8(dp.RXDROffset1)
	s.RX2DR = uint8(dp.RXDataRate2)
	s.RX2Frequency = dp.RXFreq2
	s.EnabledUplinkChannels = b.GetStandardUplinkChannelIndices()
	s.ChannelFrequencies = append([]int(nil), dp.FactoryPresetFreqs...)
	s.PingSlotDR = dp.PingSlotDR
	s.PingSlotFrequency = dp.PingSlotFreq
	s.NbTrans = 1

	if dp.PingSlotPeriod != 0 {
		s.PingSlotNb = (1 << 12) / dp.PingSlotPeriod
	}
}

// GetRandomDevAddr returns a random DevAddr, prefixed with the NwkID
// derived from netID.
func GetRandomDevAddr(netID lorawan.NetID) (lorawan.DevAddr, error) {
	var d lorawan.DevAddr
	b := make([]byte, len(d))
	if _, err := rand.Read(b); err != nil {
		return d, errors.Wrap(err, "read random bytes")
	}
	copy(d[:], b)
	d.SetAddrPrefix(netID)
	return d, nil
}

func deviceSessionKey(devEUI lorawan.EUI64) string {
	return fmt.Sprintf(deviceSessionKeyTempl, devEUI)
}

// SaveDeviceSession persists the device-session to Redis and indexes it
// under its (and, if set, its pending-rejoin session's) DevAddr.
func SaveDeviceSession(ctx context.Context, rc *redis.Client, s DeviceSession) error {
	b, err := json.Marshal(&s)
	if err != nil {
		return errors.Wrap(err, "marshal device-session")
	}

	pipe := rc.TxPipeline()
	pipe.Set(ctx, deviceSessionKey(s.DevEUI), b, deviceSessionTTL)
	pipe.SAdd(ctx, fmt.Sprintf(devAddrKeyTempl, s.DevAddr), s.DevEUI[:])
	pipe.Expire(ctx, fmt.Sprintf(devAddrKeyTempl, s.DevAddr), deviceSessionTTL)
	if s.PendingRejoinSession != nil {
		pipe.SAdd(ctx, fmt.Sprintf(devAddrKeyTempl, s.PendingRejoinSession.DevAddr), s.DevEUI[:])
		pipe.Expire(ctx, fmt.Sprintf(devAddrKeyTempl, s.PendingRejoinSession.DevAddr), deviceSessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "exec pipeline")
	}

	log.WithFields(log.Fields{
		"dev_eui":  s.DevEUI,
		"dev_addr": s.DevAddr,
		"ctx_id":   logging.ContextID(ctx),
	}).Info("device-session saved")

	return nil
}

// GetDeviceSession returns the device-session for the given DevEUI.
func GetDeviceSession(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) (DeviceSession, error) {
	val, err := rc.Get(ctx, deviceSessionKey(devEUI)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DeviceSession{}, errs.ErrDoesNotExist
		}
		return DeviceSession{}, errors.Wrap(err, "get device-session")
	}

	var s DeviceSession
	if err := json.Unmarshal(val, &s); err != nil {
		return DeviceSession{}, errors.Wrap(err, "unmarshal device-session")
	}
	return s, nil
}

// DeleteDeviceSession deletes the device-session for the given DevEUI.
func DeleteDeviceSession(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) error {
	n, err := rc.Del(ctx, deviceSessionKey(devEUI)).Result()
	if err != nil {
		return errors.Wrap(err, "delete device-session")
	}
	if n == 0 {
		return errs.ErrDoesNotExist
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  logging.ContextID(ctx),
	}).Info("device-session deleted")
	return nil
}

// DeviceSessionExists reports whether a device-session exists for devEUI.
func DeviceSessionExists(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) (bool, error) {
	n, err := rc.Exists(ctx, deviceSessionKey(devEUI)).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists device-session")
	}
	return n == 1, nil
}

// GetDeviceSessionsForDevAddr returns every device-session (including
// pending-rejoin sessions) indexed under devAddr. Returns an empty slice
// when none match.
func GetDeviceSessionsForDevAddr(ctx context.Context, rc *redis.Client, devAddr lorawan.DevAddr) ([]DeviceSession, error) {
	var items []DeviceSession

	devEUIs, err := rc.SMembers(ctx, fmt.Sprintf(devAddrKeyTempl, devAddr)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return items, nil
		}
		return nil, errors.Wrap(err, "smembers")
	}

	for _, raw := range devEUIs {
		var devEUI lorawan.EUI64
		copy(devEUI[:], raw)

		s, err := GetDeviceSession(ctx, rc, devEUI)
		if err != nil {
			log.WithFields(log.Fields{
				"dev_addr": devAddr,
				"dev_eui":  devEUI,
				"ctx_id":   logging.ContextID(ctx),
			}).WithError(err).Warning("get device-sessions for dev_addr")
			continue
		}

		if s.DevAddr == devAddr {
			items = append(items, s)
		}
		if s.PendingRejoinSession != nil && s.PendingRejoinSession.DevAddr == devAddr {
			items = append(items, *s.PendingRejoinSession)
		}
	}

	return items, nil
}

// SaveDeviceGatewayRXInfoSet saves the given DeviceGatewayRXInfoSet.
func SaveDeviceGatewayRXInfoSet(ctx context.Context, rc *redis.Client, rxInfoSet DeviceGatewayRXInfoSet) error {
	b, err := json.Marshal(&rxInfoSet)
	if err != nil {
		return errors.Wrap(err, "marshal gateway-rx-info")
	}

	key := fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, rxInfoSet.DevEUI)
	if err := rc.Set(ctx, key, b, deviceSessionTTL).Err(); err != nil {
		return errors.Wrap(err, "set gateway-rx-info")
	}

	log.WithFields(log.Fields{
		"dev_eui": rxInfoSet.DevEUI,
		"ctx_id":  logging.ContextID(ctx),
	}).Info("device gateway rx-info meta-data saved")

	return nil
}

// GetDeviceGatewayRXInfoSet returns the DeviceGatewayRXInfoSet for devEUI.
func GetDeviceGatewayRXInfoSet(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) (DeviceGatewayRXInfoSet, error) {
	key := fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, devEUI)
	val, err := rc.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return DeviceGatewayRXInfoSet{}, errs.ErrDoesNotExist
		}
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "get gateway-rx-info")
	}

	var out DeviceGatewayRXInfoSet
	if err := json.Unmarshal(val, &out); err != nil {
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "unmarshal gateway-rx-info")
	}
	return out, nil
}

// DeleteDeviceGatewayRXInfoSet deletes the gateway rx-info meta-data for
// devEUI.
func DeleteDeviceGatewayRXInfoSet(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) error {
	key := fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, devEUI)
	n, err := rc.Del(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "delete gateway-rx-info")
	}
	if n == 0 {
		return errs.ErrDoesNotExist
	}
	return nil
}
