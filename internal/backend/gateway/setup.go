package gateway

import (
	"github.com/pkg/errors"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

// Setup builds and installs the configured gateway backend for every
// active region.
func Setup(conf config.Config) error {
	for _, r := range conf.NetworkServer.Regions {
		gc := r.Gateway
		switch gc.Backend {
		case "", "mqtt":
			b, err := NewMQTTBackend(gc.MQTT.Server, gc.MQTT.Username, gc.MQTT.Password, gc.MQTT.EventTopicTemplate, gc.MQTT.CommandTopicTemplate)
			if err != nil {
				return errors.Wrapf(err, "setup mqtt gateway backend for region %s", r.ID)
			}
			SetBackend(r.ID, b)
		default:
			return errors.Errorf("gateway: region %s: unknown backend %q", r.ID, gc.Backend)
		}
	}
	return nil
}
