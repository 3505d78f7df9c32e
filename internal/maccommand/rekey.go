package maccommand

import (
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// servLoRaWANVersion is the highest LoRaWAN version this network server
// implements for the rekey handshake.
var servLoRaWANVersion = lorawan.Version{Minor: 1}

// HandleRekeyInd builds the RekeyConf in response to a RekeyInd, agreeing on
// the lower of the device's and the server's LoRaWAN minor version.
func HandleRekeyInd(devEUI lorawan.EUI64, block lorawan.MACCommand) (lorawan.MACCommand, error) {
	pl, ok := block.Payload.(*lorawan.RekeyIndPayload)
	if !ok {
		return lorawan.MACCommand{}, errors.New("maccommand: expected *lorawan.RekeyIndPayload")
	}

	servVersion := servLoRaWANVersion
	if pl.DevLoRaWANVersion.Minor < servVersion.Minor {
		servVersion = pl.DevLoRaWANVersion
	}

	log.WithFields(log.Fields{
		"dev_eui":                  devEUI,
		"dev_lorawan_version_minor": pl.DevLoRaWANVersion.Minor,
		"serv_lorawan_version_minor": servVersion.Minor,
	}).Info("maccommand: rekey_ind received")

	return lorawan.MACCommand{
		CID: lorawan.RekeyConf,
		Payload: &lorawan.RekeyConfPayload{
			ServLoRaWANVersion: servVersion,
		},
	}, nil
}
