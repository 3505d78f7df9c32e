// Package multicastsetup drives the f_port=200 remote multicast-setup
// application layer (the "multicast-setup" package) described in
// the LoRa Alliance's remote-multicast-setup application layer
// specification. It adapts github.com/brocaar/lorawan/applayer/multicastsetup
// (the wire codec and key-derivation primitives, already vendored as part
// of the brocaar/lorawan dependency) to this network server's
// MulticastGroup storage model.
package multicastsetup

import (
	"context"
	"crypto/aes"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/applayer/multicastsetup"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// FPort is the application f_port LoRaWAN's remote multicast-setup package
// is carried on.
const FPort uint8 = 200

// DecryptMcKey recovers a multicast group's McKey from McKeyEncrypted (the
// McKeyEncrypted field of a McGroupSetupReq), the AES-128 decrypt the
// device used to encrypt it under mcKEKey: brocaar's package only exposes
// the KDF primitives the server needs to derive session keys from McKey,
// not this one, since the reference client code never has to build the
// request.
func DecryptMcKey(mcKEKey, mcKeyEncrypted lorawan.AES128Key) ([16]byte, error) {
	var out [16]byte

	block, err := aes.NewCipher(mcKEKey[:])
	if err != nil {
		return out, errors.Wrap(err, "new cipher")
	}
	block.Decrypt(out[:], mcKeyEncrypted[:])
	return out, nil
}

// Dispatch decodes and answers every remote multicast-setup command in
// data (a FPort=200 uplink FRMPayload), deriving and persisting the
// resulting group's session keys against devEUI's own AppKey-derived root
// key, and returns the FPort=200 FRMPayload to answer with, if any.
func Dispatch(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, appKey lorawan.AES128Key, data []byte) ([]byte, error) {
	var cmds multicastsetup.Commands
	if err := cmds.UnmarshalBinary(true, data); err != nil {
		return nil, errors.Wrap(err, "unmarshal multicast-setup commands")
	}

	var out multicastsetup.Commands
	for _, cmd := range cmds {
		switch cmd.CID {
		case multicastsetup.McGroupSetupReq:
			reqPL, ok := cmd.Payload.(*multicastsetup.McGroupSetupReqPayload)
			if !ok {
				continue
			}
			ans, err := handleGroupSetupReq(ctx, rc, devEUI, appKey, *reqPL)
			if err != nil {
				return nil, err
			}
			out = append(out, multicastsetup.Command{CID: multicastsetup.McGroupSetupAns, Payload: &ans})

		case multicastsetup.McGroupDeleteReq:
			reqPL, ok := cmd.Payload.(*multicastsetup.McGroupDeleteReqPayload)
			if !ok {
				continue
			}
			ans := handleGroupDeleteReq(ctx, rc, devEUI, *reqPL)
			out = append(out, multicastsetup.Command{CID: multicastsetup.McGroupDeleteAns, Payload: &ans})

		default:
			log.WithFields(log.Fields{"dev_eui": devEUI, "cid": cmd.CID}).Debug("multicastsetup: unhandled command")
		}
	}

	if len(out) == 0 {
		return nil, nil
	}
	return out.MarshalBinary()
}

func handleGroupSetupReq(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, appKey lorawan.AES128Key, req multicastsetup.McGroupSetupReqPayload) (multicastsetup.McGroupSetupAnsPayload, error) {
	mcRootKey, err := multicastsetup.GetMcRootKeyForAppKey(appKey)
	if err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, errors.Wrap(err, "get mc root key")
	}
	mcKEKey, err := multicastsetup.GetMcKEKey(mcRootKey)
	if err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, errors.Wrap(err, "get mc ke key")
	}
	mcKeyB, err := DecryptMcKey(mcKEKey, lorawan.AES128Key(req.McKeyEncrypted))
	if err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, err
	}
	mcKey := lorawan.AES128Key(mcKeyB)

	netSKey, err := multicastsetup.GetMcNetSKey(mcKey, req.McAddr)
	if err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, errors.Wrap(err, "get mc net s key")
	}
	appSKey, err := multicastsetup.GetMcAppSKey(mcKey, req.McAddr)
	if err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, errors.Wrap(err, "get mc app s key")
	}

	g := storage.MulticastGroup{
		McGroupID: req.McGroupIDHeader.McGroupID,
		McAddr:    req.McAddr,
		McNetSKey: netSKey,
		McAppSKey: appSKey,
		MinMcFCnt: req.MinMcFCnt,
		MaxMcFCnt: req.MaxMcFCnt,
	}
	if err := storage.SaveMulticastGroup(ctx, rc, devEUI, g); err != nil {
		return multicastsetup.McGroupSetupAnsPayload{}, errors.Wrap(err, "save multicast group")
	}

	return multicastsetup.McGroupSetupAnsPayload{
		McGroupIDHeader: multicastsetup.McGroupSetupAnsPayloadMcGroupIDHeader{
			McGroupID: req.McGroupIDHeader.McGroupID,
		},
	}, nil
}

func handleGroupDeleteReq(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, req multicastsetup.McGroupDeleteReqPayload) multicastsetup.McGroupDeleteAnsPayload {
	if err := storage.DeleteMulticastGroup(ctx, rc, devEUI, req.McGroupIDHeader.McGroupID); err != nil {
		log.WithError(err).WithField("dev_eui", devEUI).Warning("multicastsetup: delete multicast group")
	}
	return multicastsetup.McGroupDeleteAnsPayload{
		McGroupIDHeader: multicastsetup.McGroupDeleteAnsPayloadMcGroupIDHeader{
			McGroupID: req.McGroupIDHeader.McGroupID,
		},
	}
}
