package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chirpstack/chirpstack-sub001/internal/gw"
)

// topicVars is the data the event/command topic templates render against.
type topicVars struct {
	GatewayID   string
	EventType   string
	CommandType string
}

// MQTTBackend bridges the network server to a fleet of gateway bridges
// over a shared MQTT broker, one event/command topic pair per gateway.
type MQTTBackend struct {
	client       mqtt.Client
	eventTopic   *template.Template
	commandTopic *template.Template

	uplinkFunc func(gw.UplinkFrame)
	ackFunc    func(gw.DownlinkTXAck)
	statsFunc  func(gw.GatewayStats)
}

// NewMQTTBackend connects to server and subscribes to every gateway's
// event topic (a "+" wildcard in place of the gateway id).
func NewMQTTBackend(server, username, password, eventTopicTemplate, commandTopicTemplate string) (*MQTTBackend, error) {
	eventTmpl, err := template.New("event").Parse(eventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse event topic template")
	}
	cmdTmpl, err := template.New("command").Parse(commandTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse command topic template")
	}

	b := &MQTTBackend{
		eventTopic:   eventTmpl,
		commandTopic: cmdTmpl,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetUsername(username).
		SetPassword(password).
		SetClientID("chirpstack-sub001-ns").
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.onConnect)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "connect mqtt gateway backend")
	}

	return b, nil
}

func (b *MQTTBackend) onConnect(c mqtt.Client) {
	wildcard := renderTopic(b.eventTopic, topicVars{GatewayID: "+", EventType: "+"})
	if token := c.Subscribe(wildcard, 0, b.handleEvent); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).WithField("topic", wildcard).Error("gateway: subscribe event topic")
	}
}

func (b *MQTTBackend) handleEvent(c mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	eventType := parts[len(parts)-1]

	switch eventType {
	case "up":
		var uf gw.UplinkFrame
		if err := json.Unmarshal(msg.Payload(), &uf); err != nil {
			log.WithError(err).Error("gateway: unmarshal uplink frame")
			return
		}
		if b.uplinkFunc != nil {
			b.uplinkFunc(uf)
		}
	case "ack":
		var ack gw.DownlinkTXAck
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			log.WithError(err).Error("gateway: unmarshal tx ack")
			return
		}
		if b.ackFunc != nil {
			b.ackFunc(ack)
		}
	case "stats":
		var st gw.GatewayStats
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.WithError(err).Error("gateway: unmarshal stats")
			return
		}
		if b.statsFunc != nil {
			b.statsFunc(st)
		}
	default:
		log.WithField("event_type", eventType).Debug("gateway: unhandled event type")
	}
}

func (b *MQTTBackend) SendDownlinkFrame(frame gw.DownlinkFrame) error {
	id, err := gatewayIDFromBytes(frame.GatewayID)
	if err != nil {
		return errors.Wrap(err, "decode gateway id")
	}

	topic := renderTopic(b.commandTopic, topicVars{GatewayID: id.String(), CommandType: "down"})

	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "marshal downlink frame")
	}

	token := b.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("gateway: publish downlink frame timeout")
	}
	return token.Error()
}

func (b *MQTTBackend) SetUplinkFrameFunc(f func(gw.UplinkFrame))       { b.uplinkFunc = f }
func (b *MQTTBackend) SetDownlinkTXAckFunc(f func(gw.DownlinkTXAck))   { b.ackFunc = f }
func (b *MQTTBackend) SetGatewayStatsFunc(f func(gw.GatewayStats))     { b.statsFunc = f }

func (b *MQTTBackend) Close() error {
	b.client.Disconnect(250)
	return nil
}

func renderTopic(tmpl *template.Template, vars topicVars) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		log.WithError(err).Error("gateway: render topic template")
		return ""
	}
	return buf.String()
}
