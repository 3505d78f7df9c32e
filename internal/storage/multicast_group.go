package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/brocaar/lorawan"
)

const multicastGroupsKeyTempl = "lora:ns:device:%s:mcgroups"

// MulticastGroup is the session state of one multicast group a device has
// joined, keyed by the group's McGroupID (0-3, per the remote
// multicast-setup application layer).
type MulticastGroup struct {
	McGroupID uint8             `json:"mcGroupID"`
	McAddr    lorawan.DevAddr   `json:"mcAddr"`
	McNetSKey lorawan.AES128Key `json:"mcNetSKey"`
	McAppSKey lorawan.AES128Key `json:"mcAppSKey"`
	MinMcFCnt uint32            `json:"minMcFCnt"`
	MaxMcFCnt uint32            `json:"maxMcFCnt"`
}

func multicastGroupsKey(devEUI lorawan.EUI64) string {
	return fmt.Sprintf(multicastGroupsKeyTempl, devEUI)
}

// SaveMulticastGroup upserts g into devEUI's group set, replacing any
// existing entry for the same McGroupID.
func SaveMulticastGroup(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, g MulticastGroup) error {
	groups, err := GetMulticastGroups(ctx, rc, devEUI)
	if err != nil {
		return err
	}

	out := groups[:0]
	for _, existing := range groups {
		if existing.McGroupID != g.McGroupID {
			out = append(out, existing)
		}
	}
	out = append(out, g)

	b, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal multicast groups")
	}
	if err := rc.Set(ctx, multicastGroupsKey(devEUI), b, deviceSessionTTL).Err(); err != nil {
		return errors.Wrap(err, "save multicast groups")
	}
	return nil
}

// GetMulticastGroups returns every multicast group devEUI has joined.
func GetMulticastGroups(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64) ([]MulticastGroup, error) {
	val, err := rc.Get(ctx, multicastGroupsKey(devEUI)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get multicast groups")
	}

	var out []MulticastGroup
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal multicast groups")
	}
	return out, nil
}

// DeleteMulticastGroup removes devEUI's membership in mcGroupID, if any.
func DeleteMulticastGroup(ctx context.Context, rc *redis.Client, devEUI lorawan.EUI64, mcGroupID uint8) error {
	groups, err := GetMulticastGroups(ctx, rc, devEUI)
	if err != nil {
		return err
	}

	out := groups[:0]
	for _, existing := range groups {
		if existing.McGroupID != mcGroupID {
			out = append(out, existing)
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "marshal multicast groups")
	}
	return rc.Set(ctx, multicastGroupsKey(devEUI), b, deviceSessionTTL).Err()
}
