package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posterrama/devicehub/internal/infrastructure/config"
)

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "signage/"}
	assert.Equal(t, "signage/hub/status", tp.HubStatus())
	assert.Equal(t, "signage/presence/lobby-1", tp.DevicePresence("lobby-1"))
	assert.Equal(t, "signage/presence/+", tp.DevicePresenceAll())

	assert.Equal(t, "devicehub/presence/a_b_c_d", Topics{}.DevicePresence("a/b+c#d"))
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:      config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true, ClientID: "hub-1"},
		Auth:        config.MQTTAuthConfig{Username: "hub", Password: "pw"},
		QoS:         1,
		TopicPrefix: "signage",
		Reconnect:   config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 30},
	}

	opts := buildClientOptions(cfg)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker.local:8883", opts.Servers[0].String())
	assert.Equal(t, "hub-1", opts.ClientID)
	assert.Equal(t, "hub", opts.Username)
	assert.NotNil(t, opts.TLSConfig)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "signage/hub/status", opts.WillTopic)
	assert.True(t, opts.WillRetained)

	var will hubStatus
	require.NoError(t, json.Unmarshal(opts.WillPayload, &will))
	assert.Equal(t, "offline", will.Status)
	assert.Equal(t, "unexpected_disconnect", will.Reason)
}

func TestPublish_ValidatesBeforeSending(t *testing.T) {
	c := &Client{}

	assert.ErrorIs(t, c.Publish("", []byte("x"), 0, false), ErrInvalidTopic)
	assert.ErrorIs(t, c.Publish("t", []byte("x"), 3, false), ErrInvalidQoS)
	assert.ErrorIs(t, c.Publish("t", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed)
	assert.ErrorIs(t, c.Publish("t", []byte("x"), 0, false), ErrNotConnected)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}
