package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
)

const macCommandPendingKeyTempl = "lora:ns:mac-command-pending:%s:%d"

const macCommandPendingTTL = time.Hour

// MACCommandBlock is the command (or commands, for e.g. a pair of
// LinkADRReq payloads) last sent for one CID, awaiting the device's ack.
type MACCommandBlock struct {
	CID      lorawan.CID        `json:"cid"`
	Commands []lorawan.MACCommand `json:"commands"`
}

// SaveMACCommandBlock stashes block as the pending state for its CID, so
// that a later ack (or a retransmit decision) can find what was sent.
func SaveMACCommandBlock(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, block MACCommandBlock) error {
	b, err := json.Marshal(&block)
	if err != nil {
		return errors.Wrap(err, "marshal mac-command block")
	}

	key := macCommandPendingKey(devEUI, block.CID)
	if err := rc.Set(ctx, key, b, macCommandPendingTTL).Err(); err != nil {
		return errors.Wrap(err, "set mac-command block")
	}
	return nil
}

// GetMACCommandBlock returns the pending block for devEUI/cid.
func GetMACCommandBlock(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, cid lorawan.CID) (MACCommandBlock, error) {
	var block MACCommandBlock

	val, err := rc.Get(ctx, macCommandPendingKey(devEUI, cid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return block, errs.ErrDoesNotExist
		}
		return block, errors.Wrap(err, "get mac-command block")
	}

	if err := json.Unmarshal(val, &block); err != nil {
		return block, errors.Wrap(err, "unmarshal mac-command block")
	}
	return block, nil
}

// DeleteMACCommandBlock clears the pending block for devEUI/cid, called
// once the device has positively acked it.
func DeleteMACCommandBlock(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, cid lorawan.CID) error {
	n, err := rc.Del(ctx, macCommandPendingKey(devEUI, cid)).Result()
	if err != nil {
		return errors.Wrap(err, "delete mac-command block")
	}
	if n == 0 {
		return errs.ErrDoesNotExist
	}
	return nil
}

func macCommandPendingKey(devEUI lorawan.EUI64, cid lorawan.CID) string {
	return fmt.Sprintf(macCommandPendingKeyTempl, devEUI, cid)
}
