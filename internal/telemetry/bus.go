package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carlosprados/wingman/internal/host"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// busEvent is the document published on NATS and MQTT.
type busEvent struct {
	Event    host.EventKey `json:"event"`
	Identity string        `json:"identity"`
	Message  string        `json:"message,omitempty"`
	DeviceID string        `json:"deviceId"`
	At       time.Time     `json:"at"`
}

func encodeBusEvent(ev host.Event, deviceID string) ([]byte, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(busEvent{
		Event:    ev.Key,
		Identity: ev.Identity.String(),
		Message:  ev.Message,
		DeviceID: deviceID,
		At:       at.UTC(),
	})
}

// NATSSink publishes events on <subject>.<identity>.
type NATSSink struct {
	nc       *nats.Conn
	subject  string
	deviceID string
}

// NewNATSSink connects to url. The connection reconnects on its own.
func NewNATSSink(url, subject, deviceID string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("wingmand"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("url", url).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if subject == "" {
		subject = "wingman.status"
	}
	return &NATSSink{nc: nc, subject: subject, deviceID: deviceID}, nil
}

func (s *NATSSink) Emit(_ context.Context, ev host.Event) {
	b, err := encodeBusEvent(ev, s.deviceID)
	if err != nil {
		return
	}
	if err := s.nc.Publish(s.subject+"."+ev.Identity.String(), b); err != nil {
		log.Warn().Err(err).Str("identity", ev.Identity.String()).Str("event", string(ev.Key)).Msg("nats publish failed")
	}
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() {
	if err := s.nc.FlushTimeout(2 * time.Second); err != nil {
		log.Debug().Err(err).Msg("nats flush")
	}
	s.nc.Close()
}

// MQTTSink publishes events on <topic>/<identity> with QoS 1.
type MQTTSink struct {
	client   mqtt.Client
	topic    string
	deviceID string
	timeout  time.Duration
}

// NewMQTTSink connects to broker, e.g. tcp://localhost:1883.
func NewMQTTSink(broker, topic, deviceID string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("wingmand-" + deviceID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("broker", broker).Msg("mqtt connection lost")
		})
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", broker, err)
	}
	if topic == "" {
		topic = "wingman/status"
	}
	return &MQTTSink{client: c, topic: topic, deviceID: deviceID, timeout: 5 * time.Second}, nil
}

func (s *MQTTSink) Emit(_ context.Context, ev host.Event) {
	b, err := encodeBusEvent(ev, s.deviceID)
	if err != nil {
		return
	}
	tok := s.client.Publish(s.topic+"/"+ev.Identity.String(), 1, false, b)
	if !tok.WaitTimeout(s.timeout) {
		log.Warn().Str("identity", ev.Identity.String()).Str("event", string(ev.Key)).Msg("mqtt publish timed out")
		return
	}
	if err := tok.Error(); err != nil {
		log.Warn().Err(err).Str("identity", ev.Identity.String()).Str("event", string(ev.Key)).Msg("mqtt publish failed")
	}
}

// Close disconnects after giving in-flight messages 250ms.
func (s *MQTTSink) Close() { s.client.Disconnect(250) }
