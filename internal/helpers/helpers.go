// Package helpers collects small conversions between the wire gw types and
// the region band's data-rate table, kept separate from internal/band so
// that band stays a pure registry.
package helpers

import (
	"fmt"

	loraband "github.com/brocaar/lorawan/band"

	"github.com/chirpstack/chirpstack-sub001/internal/gw"
)

// SetUplinkTXInfoDataRate fills in txInfo's modulation info to match the
// data-rate at index dr within b.
func SetUplinkTXInfoDataRate(txInfo *gw.UplinkTXInfo, dr int, b loraband.Band) error {
	d, err := b.GetDataRate(dr)
	if err != nil {
		return fmt.Errorf("helpers: get data-rate %d: %w", dr, err)
	}

	switch d.Modulation {
	case loraband.LoRaModulation:
		txInfo.Modulation = gw.ModulationLoRa
		txInfo.Info.LoRa = &gw.LoRaModulationInfo{
			Bandwidth:       uint32(d.Bandwidth),
			SpreadingFactor: uint32(d.SpreadFactor),
			CodeRate:        "4/5",
		}
	case loraband.FSKModulation:
		txInfo.Modulation = gw.ModulationFSK
		txInfo.Info.FSK = &gw.FSKModulationInfo{
			Bitrate: uint32(d.BitRate),
		}
	default:
		return fmt.Errorf("helpers: unknown modulation %q", d.Modulation)
	}

	return nil
}

// GetDataRateIndex resolves the data-rate index matching txInfo's
// modulation parameters within b, the inverse of SetUplinkTXInfoDataRate.
func GetDataRateIndex(txInfo *gw.UplinkTXInfo, b loraband.Band) (int, error) {
	var d loraband.DataRate

	switch txInfo.Modulation {
	case gw.ModulationLoRa:
		if txInfo.Info.LoRa == nil {
			return 0, fmt.Errorf("helpers: missing lora modulation info")
		}
		d = loraband.DataRate{
			Modulation:   loraband.LoRaModulation,
			SpreadFactor: int(txInfo.Info.LoRa.SpreadingFactor),
			Bandwidth:    int(txInfo.Info.LoRa.Bandwidth),
		}
	case gw.ModulationFSK:
		if txInfo.Info.FSK == nil {
			return 0, fmt.Errorf("helpers: missing fsk modulation info")
		}
		d = loraband.DataRate{
			Modulation: loraband.FSKModulation,
			BitRate:    int(txInfo.Info.FSK.Bitrate),
		}
	default:
		return 0, fmt.Errorf("helpers: unknown modulation %q", txInfo.Modulation)
	}

	return b.GetDataRateIndex(true, d)
}
