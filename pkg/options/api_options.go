package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*APIOptions)(nil)

// APIOptions configures the REST backend client.
type APIOptions struct {
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// Timeout bounds every request, including mutation calls.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

func NewAPIOptions() *APIOptions {
	return &APIOptions{
		BaseURL: "http://localhost:8000/api",
		Timeout: 15 * time.Second,
	}
}

func (o *APIOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateURL("api.base-url", o.BaseURL, "http", "https"); err != nil {
		errors = append(errors, err)
	}
	if o.Timeout < 0 {
		errors = append(errors, fmt.Errorf("api.timeout must not be negative"))
	}

	return errors
}

func (o *APIOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.BaseURL, "api.base-url", o.BaseURL, "Base URL of the fleet REST API.")
	fs.DurationVar(&o.Timeout, "api.timeout", o.Timeout, "Timeout of each REST request; 0 disables it.")
}
