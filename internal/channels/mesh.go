package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Publisher publishes a payload to an MQTT topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Meshtastic broadcasts compacted, fragmented alerts to a mesh gateway node over MQTT.
type Meshtastic struct {
	pub       Publisher
	topic     string
	maxChars  int
	shorthand *Shorthand
}

// NewMeshtastic creates a mesh sender publishing fragments of at most maxChars.
func NewMeshtastic(pub Publisher, topic string, maxChars int, shorthand map[string]string) *Meshtastic {
	return &Meshtastic{
		pub:       pub,
		topic:     topic,
		maxChars:  maxChars,
		shorthand: NewShorthand(shorthand),
	}
}

type meshPacket struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Send ignores the address: mesh messages are broadcast.
func (m *Meshtastic) Send(ctx context.Context, _ string, subject, body string) error {
	compact := m.shorthand.Apply(oneLine(subject, body))
	parts := SplitForMesh(compact, m.maxChars)
	for i, p := range parts {
		payload, err := json.Marshal(meshPacket{
			Type:    "sendtext",
			Payload: fmt.Sprintf("[%d/%d] %s", i+1, len(parts), p),
		})
		if err != nil {
			return errors.Wrap(err, "encoding mesh packet")
		}
		if err := m.pub.Publish(ctx, m.topic, payload); err != nil {
			return errors.Wrapf(err, "publishing mesh fragment %d/%d", i+1, len(parts))
		}
	}
	return nil
}

// Shorthand replaces whole words and phrases with shorter forms.
type Shorthand struct {
	rules []shorthandRule
}

type shorthandRule struct {
	re   *regexp.Regexp
	with string
}

// NewShorthand compiles mapping. Longer phrases are applied first.
func NewShorthand(mapping map[string]string) *Shorthand {
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	s := &Shorthand{}
	for _, k := range keys {
		s.rules = append(s.rules, shorthandRule{
			re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`),
			with: mapping[k],
		})
	}
	return s
}

// Apply returns text with every mapping applied.
func (s *Shorthand) Apply(text string) string {
	for _, r := range s.rules {
		text = r.re.ReplaceAllLiteralString(text, r.with)
	}
	return text
}

// SplitForMesh packs the words of text into fragments of at most max runes.
// Words longer than max are cut.
func SplitForMesh(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}

	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, string(cur))
			cur = nil
		}
	}

	for _, word := range strings.Fields(text) {
		w := []rune(word)
		for len(w) > max {
			flush()
			parts = append(parts, string(w[:max]))
			w = w[max:]
		}
		if len(cur) > 0 && len(cur)+1+len(w) > max {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, w...)
	}
	flush()

	if len(parts) == 0 {
		return []string{""}
	}
	return parts
}

// DefaultQuiesceTimeout is how long Close waits for outstanding publishes.
const DefaultQuiesceTimeout = 250 * time.Millisecond

// MQTTPublisher publishes with a connected paho client
type MQTTPublisher struct {
	client pahomqtt.Client
}

// DialMQTT connects to broker.
func DialMQTT(broker, clientID, username, password string) (*MQTTPublisher, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(username)
	opts.SetPassword(password)
	// publish-only client, no session state worth keeping
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to MQTT broker %s", broker)
	}
	return &MQTTPublisher{client: client}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(uint(DefaultQuiesceTimeout / time.Millisecond))
	return nil
}
