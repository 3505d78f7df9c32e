// Package band generalizes github.com/brocaar/lorawan/band's single
// global band into a registry keyed by region_config_id, since a
// DeviceSession can belong to any one of several simultaneously active
// regions (the teacher's own band.Band() assumes exactly one active
// region and cannot represent that).
package band

import (
	"fmt"
	"sync"

	loraband "github.com/brocaar/lorawan/band"
	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

var (
	mux  sync.RWMutex
	bands = map[string]loraband.Band{}
)

// Setup configures one loraband.Band per entry in conf.NetworkServer.Regions
// and registers it under its region_config_id.
func Setup(conf config.Config) error {
	mux.Lock()
	defer mux.Unlock()

	bands = make(map[string]loraband.Band)

	for _, r := range conf.NetworkServer.Regions {
		dt := lorawan.DwellTimeNoLimit
		if r.DwellTime400ms {
			dt = lorawan.DwellTime400ms
		}

		b, err := loraband.GetConfig(loraband.Name(r.Band), r.RepeaterCompatible, dt)
		if err != nil {
			return fmt.Errorf("band: get config for region %s: %w", r.ID, err)
		}

		for _, ec := range r.ExtraChannels {
			if err := b.AddChannel(ec.Frequency, ec.MinDR, ec.MaxDR); err != nil {
				return fmt.Errorf("band: add extra channel for region %s: %w", r.ID, err)
			}
		}

		bands[r.ID] = b
	}

	return nil
}

// Get returns the band registered under regionConfigID.
func Get(regionConfigID string) (loraband.Band, error) {
	mux.RLock()
	defer mux.RUnlock()

	b, ok := bands[regionConfigID]
	if !ok {
		return nil, fmt.Errorf("band: region_config_id %q is not configured", regionConfigID)
	}
	return b, nil
}

// RegionIDs returns every configured region_config_id, in no particular
// order.
func RegionIDs() []string {
	mux.RLock()
	defer mux.RUnlock()

	ids := make([]string, 0, len(bands))
	for id := range bands {
		ids = append(ids, id)
	}
	return ids
}
