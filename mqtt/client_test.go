package mqtt

import (
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/ha"
)

type recordingHandler struct {
	connects int
	lost     []error
	topics   []string
	payloads []string
}

func (h *recordingHandler) OnConnect()                 { h.connects++ }
func (h *recordingHandler) OnConnectionLost(err error) { h.lost = append(h.lost, err) }
func (h *recordingHandler) OnMessage(topic string, payload []byte) {
	h.topics = append(h.topics, topic)
	h.payloads = append(h.payloads, string(payload))
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ paho.Message = fakeMessage{}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:         "tcp://127.0.0.1:1883",
		ClientID:       "sensorhub-test",
		Username:       "device",
		Password:       "secret",
		KeepAlive:      15 * time.Second,
		ConnectTimeout: 3 * time.Second,
	}
}

func TestNewClient_RequiresBroker(t *testing.T) {
	_, err := NewClient(config.MQTTConfig{}, "")
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	c, err := NewClient(testConfig(), "huzza32/eid/availability")
	require.NoError(t, err)

	opts := c.options("huzza32/eid/availability")
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
	assert.Equal(t, "sensorhub-test", opts.ClientID)
	assert.Equal(t, "device", opts.Username)
	assert.Equal(t, int64(15), opts.KeepAlive)
	assert.Equal(t, 3*time.Second, opts.ConnectTimeout)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.False(t, opts.Order)

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "huzza32/eid/availability", opts.WillTopic)
	assert.Equal(t, []byte(ha.PayloadOffline), opts.WillPayload)
	assert.True(t, opts.WillRetained)
	assert.Equal(t, byte(1), opts.WillQos)
}

func TestOptions_GeneratedClientID(t *testing.T) {
	cfg := testConfig()
	cfg.ClientID = ""
	c, err := NewClient(cfg, "")
	require.NoError(t, err)

	opts := c.options("")
	assert.Contains(t, opts.ClientID, "ha-agent-")
	assert.False(t, opts.WillEnabled)
}

func TestPublish_NotConnected(t *testing.T) {
	c, err := NewClient(testConfig(), "")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish("huzza32/eid/state", []byte("{}"), false), ha.ErrNotConnected)
}

func TestMessagesForwardedToHandler(t *testing.T) {
	c, err := NewClient(testConfig(), "")
	require.NoError(t, err)

	// no handler yet: dropped
	c.onMessage(nil, fakeMessage{topic: "huzza32/eid/reboot_button/set", payload: []byte("PRESS")})

	h := &recordingHandler{}
	c.SetHandler(h)
	c.onMessage(nil, fakeMessage{topic: "huzza32/eid/reboot_button/set", payload: []byte("PRESS")})

	assert.Equal(t, []string{"huzza32/eid/reboot_button/set"}, h.topics)
	assert.Equal(t, []string{"PRESS"}, h.payloads)
}
