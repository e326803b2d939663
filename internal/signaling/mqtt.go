package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
)

const (
	mqttTopicRoot  = "meshmeet"
	mqttQoS        = byte(1)
	mqttQuiesceMS  = 250
	maxSeenSignals = 4096
)

// mqttClient is the part of mqtt.Client the transport uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type MQTTConfig struct {
	// Broker is a paho broker URL such as tcp://127.0.0.1:1883.
	Broker   string
	Username string
	Password string
	Logger   *slog.Logger
}

// MQTTTransport signals through an MQTT broker with no meeting server.
//
// Each participant publishes a retained presence message and subscribes to
// its own signal topic. The broker's last-will clears the presence of a
// participant that disappears without leaving.
type MQTTTransport struct {
	cfg       MQTTConfig
	log       *slog.Logger
	newClient func(*mqtt.ClientOptions) mqttClient

	mu        sync.Mutex
	client    mqttClient
	meetingID string
	self      mesh.Participant
	presence  map[mesh.PeerID]mesh.Participant
	mailbox   []mesh.Signal
	seen      map[string]struct{}
	seenOrder []string
}

func NewMQTTTransport(cfg MQTTConfig) *MQTTTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MQTTTransport{
		cfg: cfg,
		log: cfg.Logger,
		newClient: func(opts *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(opts)
		},
	}
}

func presenceTopic(meetingID string, id mesh.PeerID) string {
	return mqttTopicRoot + "/" + meetingID + "/presence/" + id.String()
}

func signalTopic(meetingID string, id mesh.PeerID) string {
	return mqttTopicRoot + "/" + meetingID + "/signal/" + id.String()
}

func (t *MQTTTransport) Join(ctx context.Context, meetingID string, self mesh.Participant) error {
	presence, err := json.Marshal(ParticipantFromMesh(self))
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID("meshmeet-" + uuid.NewString())
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetWill(presenceTopic(meetingID, self.ID), "", mqttQoS, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warn("mqtt connection lost", "err", err)
	})

	client := t.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.meetingID = meetingID
	t.self = self
	t.presence = map[mesh.PeerID]mesh.Participant{self.ID: self}
	t.mailbox = nil
	t.seen = make(map[string]struct{})
	t.seenOrder = nil
	t.mu.Unlock()

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{mqttTopicRoot + "/" + meetingID + "/presence/+", t.onPresence},
		{signalTopic(meetingID, self.ID), t.onSignal},
	}
	for _, s := range subs {
		if err := waitToken(ctx, client.Subscribe(s.topic, mqttQoS, s.handler)); err != nil {
			client.Disconnect(mqttQuiesceMS)
			return fmt.Errorf("subscribe %s failed: %w", s.topic, err)
		}
	}
	if err := waitToken(ctx, client.Publish(presenceTopic(meetingID, self.ID), mqttQoS, true, presence)); err != nil {
		client.Disconnect(mqttQuiesceMS)
		return fmt.Errorf("publish presence failed: %w", err)
	}
	t.log.Debug("mqtt transport joined", "meeting_id", meetingID, "broker", t.cfg.Broker)
	return nil
}

func (t *MQTTTransport) onPresence(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	id, err := mesh.ParsePeerID(topic[strings.LastIndexByte(topic, '/')+1:])
	if err != nil {
		t.log.Debug("ignoring presence on malformed topic", "topic", topic)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.presence == nil || id == t.self.ID {
		return
	}
	if len(msg.Payload()) == 0 {
		delete(t.presence, id)
		return
	}
	var p ParticipantMessage
	if err := json.Unmarshal(msg.Payload(), &p); err != nil || p.ID != uint64(id) {
		t.log.Debug("ignoring malformed presence", "topic", topic)
		return
	}
	t.presence[id] = mesh.Participant{ID: id, DisplayName: p.DisplayName}
}

func (t *MQTTTransport) onSignal(_ mqtt.Client, msg mqtt.Message) {
	m, err := ParseSignalMessage(msg.Payload())
	if err != nil {
		t.log.Warn("dropping malformed signal", "topic", msg.Topic(), "err", err)
		return
	}
	sig, err := m.ToMesh()
	if err != nil {
		t.log.Warn("dropping undecodable signal", "id", m.ID, "err", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sig.To != t.self.ID {
		return
	}
	if m.ID != "" {
		if _, dup := t.seen[m.ID]; dup {
			return
		}
		t.remember(m.ID)
	}
	t.mailbox = append(t.mailbox, sig)
}

// remember must be called with t.mu held.
func (t *MQTTTransport) remember(id string) {
	if len(t.seenOrder) >= maxSeenSignals {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
}

func (t *MQTTTransport) Poll(ctx context.Context) (mesh.Payload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return mesh.Payload{}, ErrNotJoined
	}

	roster := make([]mesh.Participant, 0, len(t.presence))
	for _, p := range t.presence {
		roster = append(roster, p)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })

	payload := mesh.Payload{Signals: t.mailbox, Roster: roster}
	t.mailbox = nil
	return payload, nil
}

func (t *MQTTTransport) Send(ctx context.Context, sig mesh.Signal) error {
	t.mu.Lock()
	client, meetingID := t.client, t.meetingID
	t.mu.Unlock()
	if client == nil {
		return ErrNotJoined
	}

	data, err := json.Marshal(NewSignalMessage(sig))
	if err != nil {
		return err
	}
	if err := waitToken(ctx, client.Publish(signalTopic(meetingID, sig.To), mqttQoS, false, data)); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (t *MQTTTransport) Leave(ctx context.Context) error {
	t.mu.Lock()
	client, meetingID, self := t.client, t.meetingID, t.self
	t.client = nil
	t.presence = nil
	t.mailbox = nil
	t.mu.Unlock()
	if client == nil {
		return ErrNotJoined
	}

	err := waitToken(ctx, client.Publish(presenceTopic(meetingID, self.ID), mqttQoS, true, []byte{}))
	_ = waitToken(ctx, client.Unsubscribe(
		mqttTopicRoot+"/"+meetingID+"/presence/+",
		signalTopic(meetingID, self.ID),
	))
	client.Disconnect(mqttQuiesceMS)
	if err != nil {
		return fmt.Errorf("clear presence failed: %w", err)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
