package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/mqtt"
	"github.com/autopeer-io/fleetsync/pkg/mqtt/topic"
)

// MQTTDialer opens push channels over an MQTT broker. Updates for a manager
// arrive on {root}/managers/{id}/updates; outbound envelopes go to
// {root}/managers/{id}/control.
type MQTTDialer struct {
	Config    mqtt.ClientConfig
	TopicRoot string
	QoS       int

	// NewClient defaults to mqtt.NewClient.
	NewClient func(*mqtt.ClientConfig) (mqtt.Client, error)
}

func (d *MQTTDialer) Dial(ctx context.Context, managerID fleet.ManagerID) (Channel, error) {
	cfg := d.Config
	cfg.ClientID = fmt.Sprintf("fleetsync-%d-%s", managerID, uuid.NewString()[:8])
	// The connection manager owns the reconnect cadence.
	cfg.ReconnectBackoff = 0

	newClient := d.NewClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	client, err := newClient(&cfg)
	if err != nil {
		return nil, err
	}

	topics := topic.NewTopicBuilder(d.TopicRoot)
	ch := &mqttChannel{
		client:  client,
		control: topics.Control(managerID.String()),
		qos:     d.QoS,
		frames:  make(chan []byte, 64),
	}

	// The broker session outlives the dial context; Close ends it.
	if err := client.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start mqtt client: %w", err)
	}
	if err := client.Subscribe(ctx, topics.Updates(managerID.String()), d.QoS, ch.deliver); err != nil {
		ch.disconnect()
		return nil, err
	}
	if err := client.AwaitConnection(ctx); err != nil {
		ch.disconnect()
		return nil, fmt.Errorf("connect %s: %w", cfg.BrokerURL, err)
	}
	return ch, nil
}

type mqttChannel struct {
	client  mqtt.Client
	control string
	qos     int
	frames  chan []byte
}

// deliver runs on the client's reader and keeps arrival order.
func (c *mqttChannel) deliver(_ context.Context, _ string, payload []byte) {
	frame := append([]byte(nil), payload...)
	select {
	case c.frames <- frame:
	case <-c.client.Done():
	}
}

func (c *mqttChannel) Send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.control, c.qos, false, payload)
}

func (c *mqttChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.client.Done():
		if err := c.client.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mqttChannel) Close() error {
	c.disconnect()
	return nil
}

func (c *mqttChannel) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.client.Disconnect(ctx)
}
