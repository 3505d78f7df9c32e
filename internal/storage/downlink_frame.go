package storage

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"

	"github.com/redis/go-redis/v9"

	"github.com/chirpstack/chirpstack-sub001/internal/errs"
	"github.com/chirpstack/chirpstack-sub001/internal/gw"
)

const downlinkFrameKeyTempl = "lora:ns:downlink-frame:%08x"

const downlinkFrameTTL = 24 * time.Hour

// DownlinkFrame is the last downlink the server attempted for a device,
// keyed by a random 32-bit DownlinkID so the tx-ack (or a MAC-layer reply
// referencing it) can be matched back to what was actually sent.
type DownlinkFrame struct {
	DownlinkID      uint32               `json:"downlinkID"`
	DevEUI          lorawan.EUI64        `json:"devEUI"`
	DeviceQueueItemID *int64             `json:"deviceQueueItemID,omitempty"`
	EncryptedFOpts  bool                 `json:"encryptedFOpts"`
	NwkSEncKey      lorawan.AES128Key    `json:"nwkSEncKey"`
	DownlinkFrame   gw.DownlinkFrame     `json:"downlinkFrame"`
}

// SaveDownlinkFrame persists df in Redis under its DownlinkID, with a TTL
// long enough to outlive the RX windows and a reasonable tx-ack delay.
func SaveDownlinkFrame(ctx context.Context, rc *redis.Client, df *DownlinkFrame) error {
	if df.DownlinkID == 0 {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return errors.Wrap(err, "generate downlink_id")
		}
		df.DownlinkID = binary.BigEndian.Uint32(b[:])
		df.DownlinkFrame.DownlinkID = df.DownlinkID
	}

	b, err := json.Marshal(df)
	if err != nil {
		return errors.Wrap(err, "marshal downlink-frame")
	}

	key := downlinkFrameKey(df.DownlinkID)
	if err := rc.Set(ctx, key, b, downlinkFrameTTL).Err(); err != nil {
		return errors.Wrap(err, "set downlink-frame")
	}
	return nil
}

// GetDownlinkFrame returns the persisted DownlinkFrame for the given id.
func GetDownlinkFrame(ctx context.Context, rc *redis.Client, id uint32) (DownlinkFrame, error) {
	var df DownlinkFrame

	val, err := rc.Get(ctx, downlinkFrameKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return df, errs.ErrDoesNotExist
		}
		return df, errors.Wrap(err, "get downlink-frame")
	}

	if err := json.Unmarshal(val, &df); err != nil {
		return df, errors.Wrap(err, "unmarshal downlink-frame")
	}
	return df, nil
}

func downlinkFrameKey(id uint32) string {
	return fmt.Sprintf(downlinkFrameKeyTempl, id)
}
