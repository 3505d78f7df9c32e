package integration

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

// Setup builds the default sink set from conf.Integration and registers it
// as the fan-out target for every pipeline event. Each sink is only built
// when its endpoint/server is configured; an unconfigured sink is simply
// skipped.
func Setup(conf config.Config) error {
	ic := conf.Integration
	var sinks []Sink

	if ic.HTTP.Endpoint != "" {
		sinks = append(sinks, NewHTTPSink(ic.HTTP.Endpoint, ic.HTTP.Headers, ic.Timeout))
		log.WithField("endpoint", ic.HTTP.Endpoint).Info("integration: http sink enabled")
	}

	if ic.MQTT.Server != "" {
		m, err := NewMQTTSink(ic.MQTT.Server, ic.MQTT.Username, ic.MQTT.Password, ic.MQTT.EventTopicTemplate)
		if err != nil {
			return errors.Wrap(err, "setup mqtt integration sink")
		}
		sinks = append(sinks, m)
		log.WithField("server", ic.MQTT.Server).Info("integration: mqtt sink enabled")
	}

	if ic.InfluxDB.Endpoint != "" {
		i, err := NewInfluxDBSink(ic.InfluxDB, ic.Timeout)
		if err != nil {
			return errors.Wrap(err, "setup influxdb integration sink")
		}
		sinks = append(sinks, i)
		log.WithField("endpoint", ic.InfluxDB.Endpoint).Info("integration: influxdb sink enabled")
	}

	SetSinks(sinks)
	return nil
}
