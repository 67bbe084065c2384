package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTPublisher publishes events to an MQTT broker. Kafka topic names
// are mapped to MQTT topic paths, so "sensornet.node-events" is
// published as "sensornet/node-events". Publishes use QoS 0, matching
// the fire-and-forget contract.
type MQTTPublisher struct {
	client pahomqtt.Client
}

// ConnectMQTT connects to the broker and returns a publisher. The paho
// client reconnects automatically when the connection drops.
func ConnectMQTT(brokerURL, clientID string) (*MQTTPublisher, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetKeepAlive(60 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTPublisher{client: client}, nil
}

// Publish sends one message. The key becomes the last topic segment so
// subscribers can filter per entity.
func (p *MQTTPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	mqttTopic := strings.ReplaceAll(topic, ".", "/") + "/" + key
	token := p.client.Publish(mqttTopic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timeout after %v", mqttTopic, mqttPublishTimeout)
	}
	return token.Error()
}

// Close disconnects from the broker, waiting briefly for pending work.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
