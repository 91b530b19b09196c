package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicsMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"fleet/v1/managers/1/updates", "fleet/v1/managers/1/updates", true},
		{"fleet/v1/managers/1/updates", "fleet/v1/managers/2/updates", false},
		{"fleet/v1/managers/+/updates", "fleet/v1/managers/2/updates", true},
		{"fleet/v1/managers/+/updates", "fleet/v1/managers/2/control", false},
		{"fleet/v1/managers/1/#", "fleet/v1/managers/1/updates", true},
		{"fleet/v1/managers/1/#", "fleet/v1/managers/2/updates", false},
		{"fleet/+", "fleet/v1/managers", false},
	}
	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, topicsMatch(tt.filter, tt.topic))
		})
	}
}

func TestTopicFilterStripsSharedPrefix(t *testing.T) {
	assert.Equal(t, "fleet/v1/managers/+/updates", topicFilter("$share/group/fleet/v1/managers/+/updates"))
	assert.Equal(t, "a/b", topicFilter("a/b"))
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(nil)
	assert.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "http://broker:1883", ClientID: "x"})
	assert.Error(t, err)

	_, err = NewClient(&ClientConfig{BrokerURL: "tcp://broker:1883"})
	assert.Error(t, err)

	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://broker:1883", ClientID: "fleetsync-1"})
	require.NoError(t, err)
	assert.False(t, c.IsConnected())
	assert.Error(t, c.Publish(context.Background(), "t", 1, false, nil), "not started")
}

func TestDisconnectBeforeStartClosesDone(t *testing.T) {
	c, err := NewClient(&ClientConfig{BrokerURL: "tcp://broker:1883", ClientID: "fleetsync-1"})
	require.NoError(t, err)

	c.Disconnect(context.Background())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.NoError(t, c.Err())
}
