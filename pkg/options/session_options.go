package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SessionOptions)(nil)

// SessionOptions identifies the manager a session runs for.
type SessionOptions struct {
	// ManagerID scopes every fetch. Zero means take it from the token.
	ManagerID int64 `json:"manager-id" mapstructure:"manager-id"`

	// Token is the session credential presented to the backend.
	Token string `json:"token" mapstructure:"token"`

	// SynthesizeAlarms turns telemetry threshold crossings into local alarms.
	SynthesizeAlarms bool `json:"synthesize-alarms" mapstructure:"synthesize-alarms"`

	// QueueSize bounds the inbound message queue.
	QueueSize int `json:"queue-size" mapstructure:"queue-size"`

	// MaxProblems bounds the list of user-visible errors.
	MaxProblems int `json:"max-problems" mapstructure:"max-problems"`
}

func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		SynthesizeAlarms: true,
		QueueSize:        256,
		MaxProblems:      20,
	}
}

func (o *SessionOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.ManagerID <= 0 {
		errors = append(errors, fmt.Errorf("session.manager-id must be positive (set it or pass a token carrying manager_id)"))
	}
	if o.QueueSize <= 0 {
		errors = append(errors, fmt.Errorf("session.queue-size must be positive"))
	}
	if o.MaxProblems <= 0 {
		errors = append(errors, fmt.Errorf("session.max-problems must be positive"))
	}

	return errors
}

func (o *SessionOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.Int64Var(&o.ManagerID, "session.manager-id", o.ManagerID, "Manager whose fleet is synchronised. Defaults to the manager_id claim of the token.")
	fs.StringVar(&o.Token, "session.token", o.Token, "Session token sent to the backend as a bearer credential.")
	fs.BoolVar(&o.SynthesizeAlarms, "session.synthesize-alarms", o.SynthesizeAlarms, "Create local alarms when telemetry crosses an alert threshold.")
	fs.IntVar(&o.QueueSize, "session.queue-size", o.QueueSize, "Capacity of the inbound push message queue.")
	fs.IntVar(&o.MaxProblems, "session.max-problems", o.MaxProblems, "Number of user-visible errors kept.")
}
