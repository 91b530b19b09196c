package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

var _ IOptions = (*PushOptions)(nil)

// PushOptions configures the real-time push channel.
type PushOptions struct {
	// Transport is websocket or mqtt. MQTT settings live in MqttOptions.
	Transport string `json:"transport" mapstructure:"transport"`

	// URL is the WebSocket endpoint.
	URL string `json:"url" mapstructure:"url"`

	ReconnectDelay time.Duration `json:"reconnect-delay" mapstructure:"reconnect-delay"`
	DialTimeout    time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`
}

func NewPushOptions() *PushOptions {
	return &PushOptions{
		Transport:      TransportWebSocket,
		URL:            "ws://localhost:8000/ws",
		ReconnectDelay: 3 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

func (o *PushOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	switch o.Transport {
	case TransportWebSocket:
		if err := ValidateURL("push.url", o.URL, "ws", "wss"); err != nil {
			errors = append(errors, err)
		}
	case TransportMQTT:
	default:
		errors = append(errors, fmt.Errorf("push.transport must be %q or %q, got %q", TransportWebSocket, TransportMQTT, o.Transport))
	}
	if o.ReconnectDelay <= 0 {
		errors = append(errors, fmt.Errorf("push.reconnect-delay must be positive"))
	}
	if o.DialTimeout < 0 {
		errors = append(errors, fmt.Errorf("push.dial-timeout must not be negative"))
	}

	return errors
}

func (o *PushOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Transport, "push.transport", o.Transport, "Push channel transport: websocket or mqtt.")
	fs.StringVar(&o.URL, "push.url", o.URL, "WebSocket endpoint of the push channel.")
	fs.DurationVar(&o.ReconnectDelay, "push.reconnect-delay", o.ReconnectDelay, "Fixed wait between a channel failure and the next dial.")
	fs.DurationVar(&o.DialTimeout, "push.dial-timeout", o.DialTimeout, "Bound on one dial plus handshake; 0 disables it.")
}
