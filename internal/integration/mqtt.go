package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"text/template"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// mqttTopicVars is the data text/template renders an event topic against.
type mqttTopicVars struct {
	ApplicationID string
	DevEUI        string
	EventType     string
}

// MQTTSink republishes every event as JSON onto an MQTT broker, topic
// named after EventTopicTemplate (e.g. "application/{{.ApplicationID}}/device/{{.DevEUI}}/event/{{.EventType}}").
type MQTTSink struct {
	client mqtt.Client
	topic  *template.Template
}

// NewMQTTSink connects to server and returns a sink publishing under
// topicTemplate.
func NewMQTTSink(server, username, password, topicTemplate string) (*MQTTSink, error) {
	tmpl, err := template.New("topic").Parse(topicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse event topic template")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetUsername(username).
		SetPassword(password).
		SetClientID("chirpstack-sub001-integration").
		SetCleanSession(true).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "connect mqtt integration broker")
	}

	return &MQTTSink{client: client, topic: tmpl}, nil
}

func (s *MQTTSink) publish(ctx context.Context, eventType string, vars mqttTopicVars, v interface{}) error {
	var topic bytes.Buffer
	vars.EventType = eventType
	if err := s.topic.Execute(&topic, vars); err != nil {
		return errors.Wrap(err, "render event topic")
	}

	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	token := s.client.Publish(topic.String(), 0, false, b)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("integration/mqtt: publish timeout")
	}
	return token.Error()
}

func (s *MQTTSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.publish(ctx, "up", mqttTopicVars{ApplicationID: e.DeviceInfo.ApplicationID, DevEUI: e.DeviceInfo.DevEUI.String()}, e)
}

func (s *MQTTSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.publish(ctx, "join", mqttTopicVars{ApplicationID: e.DeviceInfo.ApplicationID, DevEUI: e.DeviceInfo.DevEUI.String()}, e)
}

func (s *MQTTSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.publish(ctx, "ack", mqttTopicVars{ApplicationID: e.DeviceInfo.ApplicationID, DevEUI: e.DeviceInfo.DevEUI.String()}, e)
}

func (s *MQTTSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.publish(ctx, "status", mqttTopicVars{ApplicationID: e.DeviceInfo.ApplicationID, DevEUI: e.DeviceInfo.DevEUI.String()}, e)
}

func (s *MQTTSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.publish(ctx, "log", mqttTopicVars{ApplicationID: e.DeviceInfo.ApplicationID, DevEUI: e.DeviceInfo.DevEUI.String()}, e)
}
