package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/jaapp/ha-marstek/pkg/log"
	"github.com/jaapp/ha-marstek/pkg/sensor"
	"github.com/jaapp/ha-marstek/pkg/types"
)

const (
	DefaultPrefix   = "marstek"
	DefaultInterval = 30 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"

	publishTimeout = 10 * time.Second
)

// Source provides the data that gets published.
type Source interface {
	Data() types.FleetSnapshot
	Devices() []types.DeviceInfo
}

// Message is a single MQTT publish.
type Message struct {
	Topic   string
	Payload []byte
}

// DeviceState is the payload of <prefix>/<mac>/state.
type DeviceState struct {
	Timestamp int64              `json:"timestamp"`
	Name      string             `json:"name"`
	Model     string             `json:"model"`
	Firmware  int                `json:"firmware"`
	State     string             `json:"state"`
	Mode      string             `json:"mode,omitempty"`
	Values    map[string]float64 `json:"values"`
	Binary    map[string]bool    `json:"binary"`
	Text      map[string]string  `json:"text"`
}

// SystemState is the payload of <prefix>/system/state.
type SystemState struct {
	Timestamp     int64              `json:"timestamp"`
	DeviceCount   int                `json:"device_count"`
	CombinedState string             `json:"combined_state"`
	Values        map[string]float64 `json:"values"`
	Text          map[string]string  `json:"text"`
}

// tokenPublisher is the part of mqtt.Client used to send messages.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Publisher sends the fleet snapshot to an MQTT broker at a fixed interval.
type Publisher struct {
	source Source

	broker   string
	prefix   string
	clientID string
	username string
	password string
	interval time.Duration
	qos      byte
	retain   bool

	client    mqtt.Client
	connected atomic.Bool
}

// New returns a Publisher for source. It is disabled until a broker is set.
func New(source Source, broker string) *Publisher {
	return &Publisher{
		source:   source,
		broker:   broker,
		prefix:   DefaultPrefix,
		clientID: "marstekd-" + uuid.NewString()[:8],
		interval: DefaultInterval,
		retain:   true,
	}
}

// Configured sets up a Publisher from flags. Publishing is disabled when no
// broker is given.
func Configured(source Source) *Publisher {
	p := New(source, "")

	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883), publishing is disabled when empty")
	prefix := lflag.String("mqtt-prefix", DefaultPrefix, "Topic prefix for published states")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client ID, random when empty")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	interval := lflag.Duration("mqtt-interval", DefaultInterval, "Time between two publishes")
	qos := lflag.Int("mqtt-qos", 0, "MQTT QoS for published states (0, 1 or 2)")
	retain := lflag.Bool("mqtt-retain", true, "Publish states as retained messages")

	lflag.Do(func() {
		if *qos < 0 || *qos > 2 {
			log.Ctx(context.Background()).Error("mqtt-qos must be 0, 1 or 2", slog.Int("qos", *qos))
			os.Exit(1)
		}
		if *interval <= 0 {
			log.Ctx(context.Background()).Error("mqtt-interval must be positive")
			os.Exit(1)
		}
		p.broker = *broker
		p.prefix = strings.TrimSuffix(*prefix, "/")
		if *clientID != "" {
			p.clientID = *clientID
		}
		p.username = *username
		p.password = *password
		p.interval = *interval
		p.qos = byte(*qos)
		p.retain = *retain
	})
	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.broker != ""
}

func (p *Publisher) statusTopic() string {
	return p.prefix + "/status"
}

func (p *Publisher) connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.broker)
	opts.SetClientID(p.clientID)
	opts.SetUsername(p.username)
	opts.SetPassword(p.password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWill(p.statusTopic(), statusOffline, 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		p.connected.Store(true)
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", p.broker))
		c.Publish(p.statusTopic(), 1, true, statusOnline)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		log.Ctx(ctx).WarnContext(ctx, "lost mqtt connection", slog.Any("error", err))
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	select {
	case <-ctx.Done():
		p.client.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.broker, err)
	}
	return nil
}

// Run connects to the broker and publishes until ctx is done. It returns nil
// right away when publishing is disabled.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("component", "mqtt")))
	if err := p.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		t := p.client.Publish(p.statusTopic(), 1, true, statusOffline)
		t.WaitTimeout(time.Second)
		p.client.Disconnect(1000)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if p.connected.Load() {
			msgs := Messages(p.prefix, p.source.Data(), p.source.Devices(), time.Now())
			if err := publishAll(p.client, msgs, p.qos, p.retain); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to publish", slog.Any("error", err))
			}
		} else {
			log.Ctx(ctx).DebugContext(ctx, "not connected, skipping publish")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// publishAll sends every message and returns the first error.
func publishAll(c tokenPublisher, msgs []Message, qos byte, retain bool) error {
	var first error
	for _, m := range msgs {
		t := c.Publish(m.Topic, qos, retain, m.Payload)
		if !t.WaitTimeout(publishTimeout) {
			if first == nil {
				first = fmt.Errorf("publish to %s timed out", m.Topic)
			}
			continue
		}
		if err := t.Error(); err != nil && first == nil {
			first = fmt.Errorf("failed to publish to %s: %w", m.Topic, err)
		}
	}
	return first
}

// Messages builds the state messages for a fleet snapshot. Devices without
// data are skipped.
func Messages(prefix string, snap types.FleetSnapshot, devices []types.DeviceInfo, now time.Time) []Message {
	msgs := make([]Message, 0, len(devices)+1)
	for _, info := range devices {
		key := info.Key()
		s := snap.Devices[key]
		if s.Empty() {
			continue
		}
		b, err := json.Marshal(DeviceState{
			Timestamp: now.Unix(),
			Name:      info.Name,
			Model:     info.Model,
			Firmware:  info.Firmware,
			State:     sensor.BatteryState(s),
			Mode:      s.Get(types.SubsystemMode).String("mode"),
			Values:    sensor.Values(s),
			Binary:    sensor.BinaryValues(s),
			Text:      sensor.TextValues(s),
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, Message{Topic: prefix + "/" + strings.ToLower(key) + "/state", Payload: b})
	}

	b, err := json.Marshal(SystemState{
		Timestamp:     now.Unix(),
		DeviceCount:   snap.Aggregates.DeviceCount,
		CombinedState: snap.Aggregates.CombinedState,
		Values:        sensor.AggregateValues(snap.Aggregates),
		Text:          sensor.AggregateTextValues(snap.Aggregates),
	})
	if err == nil {
		msgs = append(msgs, Message{Topic: prefix + "/system/state", Payload: b})
	}
	return msgs
}
