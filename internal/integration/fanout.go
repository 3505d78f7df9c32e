package integration

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// HandleUplinkEvent publishes e to every configured sink. A sink error is
// logged, never returned: one broken webhook must not block the others or
// the uplink pipeline that produced the event.
func HandleUplinkEvent(ctx context.Context, e UplinkEvent) {
	for _, s := range currentSinks() {
		if err := s.HandleUplinkEvent(ctx, e); err != nil {
			log.WithError(err).WithField("dev_eui", e.DeviceInfo.DevEUI).Error("integration: handle uplink event")
		}
	}
}

// HandleJoinEvent publishes e to every configured sink.
func HandleJoinEvent(ctx context.Context, e JoinEvent) {
	for _, s := range currentSinks() {
		if err := s.HandleJoinEvent(ctx, e); err != nil {
			log.WithError(err).WithField("dev_eui", e.DeviceInfo.DevEUI).Error("integration: handle join event")
		}
	}
}

// HandleAckEvent publishes e to every configured sink.
func HandleAckEvent(ctx context.Context, e AckEvent) {
	for _, s := range currentSinks() {
		if err := s.HandleAckEvent(ctx, e); err != nil {
			log.WithError(err).WithField("dev_eui", e.DeviceInfo.DevEUI).Error("integration: handle ack event")
		}
	}
}

// HandleStatusEvent publishes e to every configured sink.
func HandleStatusEvent(ctx context.Context, e StatusEvent) {
	for _, s := range currentSinks() {
		if err := s.HandleStatusEvent(ctx, e); err != nil {
			log.WithError(err).WithField("dev_eui", e.DeviceInfo.DevEUI).Error("integration: handle status event")
		}
	}
}

// HandleLogEvent publishes e to every configured sink.
func HandleLogEvent(ctx context.Context, e LogEvent) {
	for _, s := range currentSinks() {
		if err := s.HandleLogEvent(ctx, e); err != nil {
			log.WithError(err).WithField("dev_eui", e.DeviceInfo.DevEUI).Error("integration: handle log event")
		}
	}
}
