package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*NotifyOptions)(nil)

// NotifyOptions bounds the notification list.
type NotifyOptions struct {
	Capacity    int           `json:"capacity" mapstructure:"capacity"`
	CriticalTTL time.Duration `json:"critical-ttl" mapstructure:"critical-ttl"`
}

func NewNotifyOptions() *NotifyOptions {
	return &NotifyOptions{
		Capacity:    10,
		CriticalTTL: 10 * time.Second,
	}
}

func (o *NotifyOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.Capacity <= 0 {
		errors = append(errors, fmt.Errorf("notify.capacity must be positive"))
	}
	if o.CriticalTTL <= 0 {
		errors = append(errors, fmt.Errorf("notify.critical-ttl must be positive"))
	}

	return errors
}

func (o *NotifyOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.Capacity, "notify.capacity", o.Capacity, "Number of notifications kept, most recent first.")
	fs.DurationVar(&o.CriticalTTL, "notify.critical-ttl", o.CriticalTTL, "Lifetime of a critical notification.")
}
