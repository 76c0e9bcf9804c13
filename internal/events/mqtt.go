package events

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// TopicPublisher is the slice of an MQTT client the sink needs.
type TopicPublisher interface {
	Publish(topic string, payload []byte) error
}

type MQTTClient struct {
	cli mqtt.Client
}

// DialMQTT connects to brokerURL. mqtt:// and tcp:// map to plain TCP,
// ssl:// and tls:// to TLS, and ws:// or wss:// keep their path.
func DialMQTT(brokerURL, clientID string) (*MQTTClient, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := mqtt.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	if clientID == "" {
		clientID = "workflow-engine-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) { slog.Info("mqtt connected", "broker", u.Host) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	cli := mqtt.NewClient(opts)
	if t := cli.Connect(); t.WaitTimeout(10*time.Second) && t.Error() != nil {
		return nil, t.Error()
	}
	return &MQTTClient{cli: cli}, nil
}

func (c *MQTTClient) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, 0, false, payload)
	if t.WaitTimeout(5*time.Second) && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}

// MQTTSink mirrors events to <prefix>/executions/<id>/events.
type MQTTSink struct {
	pub    TopicPublisher
	prefix string
}

func NewMQTTSink(pub TopicPublisher, prefix string) *MQTTSink {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "homenavi/workflows"
	}
	return &MQTTSink{pub: pub, prefix: prefix}
}

func (s *MQTTSink) Topic(executionID uuid.UUID) string {
	return s.prefix + "/executions/" + executionID.String() + "/events"
}

func (s *MQTTSink) Publish(executionID uuid.UUID, evt Event) {
	if evt.ExecutionID == "" {
		evt.ExecutionID = executionID.String()
	}
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.pub.Publish(s.Topic(executionID), b); err != nil {
		slog.Warn("mqtt event publish failed", "execution_id", executionID, "type", evt.Type, "error", err)
	}
}
