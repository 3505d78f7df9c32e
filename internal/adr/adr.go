// Package adr implements the ADR engine described in spec §4.J': given an
// uplink history and the device-session's current data-rate / tx-power /
// nb-trans, decide new values. Algorithm selection is by the name carried
// on the DeviceProfile (adr_algorithm_id); only "default" is registered out
// of the box, mirroring the teacher's adr.Handler registry.
package adr

import (
	"fmt"
	"sync"

	loraband "github.com/brocaar/lorawan/band"

	log "github.com/sirupsen/logrus"
)

// Request bundles everything the ADR engine needs to decide a new
// (DR, TXPowerIndex, NbTrans) for one device.
type Request struct {
	RegionName            string
	MACVersion            string
	RegParamsRevision     string
	DR                    int
	NbTrans               uint8
	TXPowerIndex          int
	MaxTXPowerIndex       int
	RequiredSNRForDR      float64
	InstallationMargin    float64
	MinDR                 int
	MaxDR                 int
	UplinkHistory         []UplinkMetaData
	SkipFCntCheckADR      bool
}

// UplinkMetaData is one ring entry of a device's uplink ADR history.
type UplinkMetaData struct {
	FCnt         uint32
	MaxSNR       float64
	MaxRSSI      int
	TXPowerIndex int
	GatewayCount int
}

// Response is the ADR engine's decision.
type Response struct {
	DR           int
	TXPowerIndex int
	NbTrans      uint8
}

// Handler is one pluggable ADR algorithm.
type Handler interface {
	ID() string
	Name() string
	Handle(req Request) (Response, error)
}

var (
	mux      sync.RWMutex
	handlers = map[string]Handler{}
)

func init() {
	Register(&defaultHandler{})
}

// Register adds h to the registry, keyed by h.ID().
func Register(h Handler) {
	mux.Lock()
	defer mux.Unlock()
	handlers[h.ID()] = h
}

// Get returns the handler registered under id.
func Get(id string) (Handler, error) {
	mux.RLock()
	defer mux.RUnlock()

	h, ok := handlers[id]
	if !ok {
		return nil, fmt.Errorf("adr: algorithm %q is not registered", id)
	}
	return h, nil
}

// defaultHandler is the ADR algorithm every chirpstack-style NS ships
// out of the box: maximize DR first (as long as the observed link margin
// supports it), then reduce TX power while headroom remains.
type defaultHandler struct{}

func (h *defaultHandler) ID() string   { return "default" }
func (h *defaultHandler) Name() string { return "default ADR algorithm" }

func (h *defaultHandler) Handle(req Request) (Response, error) {
	resp := Response{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}

	if req.NbTrans == 0 {
		resp.NbTrans = 1
	}

	if len(req.UplinkHistory) == 0 {
		return resp, nil
	}

	maxSNR := req.UplinkHistory[0].MaxSNR
	for _, h := range req.UplinkHistory {
		if h.MaxSNR > maxSNR {
			maxSNR = h.MaxSNR
		}
	}

	snrMargin := maxSNR - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	maxTXPowerIdx := req.MaxTXPowerIndex
	if maxTXPowerIdx == 0 {
		maxTXPowerIdx = defaultMaxTXPowerIndex(req.RegionName)
	}

	dr := req.DR
	txPowerIdx := req.TXPowerIndex

	for nStep > 0 {
		if dr < req.MaxDR {
			dr++
		} else if txPowerIdx < maxTXPowerIdx {
			txPowerIdx++
		} else {
			break
		}
		nStep--
	}

	for nStep < 0 && txPowerIdx > 0 {
		txPowerIdx--
		nStep++
	}

	if dr < req.MinDR {
		dr = req.MinDR
	}

	resp.DR = dr
	resp.TXPowerIndex = txPowerIdx

	log.WithFields(log.Fields{
		"dr":             resp.DR,
		"tx_power_index": resp.TXPowerIndex,
		"nb_trans":       resp.NbTrans,
		"snr_margin":     snrMargin,
	}).Debug("adr: decided new parameters")

	return resp, nil
}

// defaultMaxTXPowerIndex returns a conservative fallback max tx-power
// index per region, used when req.MaxTXPowerIndex is 0 (the caller,
// maccommand.RequestADRChange, passes the session's
// MaxSupportedTXPowerIndex, which is 0 when the session has no override).
func defaultMaxTXPowerIndex(region string) int {
	switch loraband.Name(region) {
	case loraband.US915, loraband.AU915:
		return 14
	default:
		return 7
	}
}
