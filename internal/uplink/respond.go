package uplink

import (
	"context"

	"github.com/brocaar/lorawan"

	"github.com/chirpstack/chirpstack-sub001/internal/downlink"
	"github.com/chirpstack/chirpstack-sub001/internal/models"
	"github.com/chirpstack/chirpstack-sub001/internal/storage"
)

// RespondToUplink schedules the Class-A response (if any) to an uplink
// already validated and recorded by HandleUplink.
func RespondToUplink(ctx context.Context, rxPacket models.RXPacket, d storage.Device, dp storage.DeviceProfile, s storage.DeviceSession, macCommands []lorawan.MACCommand) error {
	return downlink.HandleResponse(ctx, rxPacket, d, dp, s, macCommands)
}
