package options

import (
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleetsync/internal/credential"
	"github.com/autopeer-io/fleetsync/internal/fleetsync"
	"github.com/autopeer-io/fleetsync/pkg/app"
	"github.com/autopeer-io/fleetsync/pkg/log"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

type FleetsyncOptions struct {
	SessionOptions  *options.SessionOptions  `json:"session" mapstructure:"session"`
	APIOptions      *options.APIOptions      `json:"api" mapstructure:"api"`
	PushOptions     *options.PushOptions     `json:"push" mapstructure:"push"`
	MqttOptions     *options.MqttOptions     `json:"mqtt" mapstructure:"mqtt"`
	S3Options       *options.S3Options       `json:"s3" mapstructure:"s3"`
	RedisOptions    *options.RedisOptions    `json:"redis" mapstructure:"redis"`
	FallbackOptions *options.FallbackOptions `json:"fallback" mapstructure:"fallback"`
	NotifyOptions   *options.NotifyOptions   `json:"notify" mapstructure:"notify"`
	HttpOptions     *options.HttpOptions     `json:"http" mapstructure:"http"`
	Log             *log.Options             `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*FleetsyncOptions)(nil)

func NewFleetsyncOptions() *FleetsyncOptions {
	return &FleetsyncOptions{
		SessionOptions:  options.NewSessionOptions(),
		APIOptions:      options.NewAPIOptions(),
		PushOptions:     options.NewPushOptions(),
		MqttOptions:     options.NewMqttOptions(),
		S3Options:       options.NewS3Options(),
		RedisOptions:    options.NewRedisOptions(),
		FallbackOptions: options.NewFallbackOptions(),
		NotifyOptions:   options.NewNotifyOptions(),
		HttpOptions:     options.NewHttpOptions(),
		Log:             log.NewOptions(),
	}
}

func (o *FleetsyncOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.SessionOptions.AddFlags(fss.FlagSet("session"))
	o.APIOptions.AddFlags(fss.FlagSet("api"))
	o.PushOptions.AddFlags(fss.FlagSet("push"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.RedisOptions.AddFlags(fss.FlagSet("redis"))
	o.FallbackOptions.AddFlags(fss.FlagSet("fallback"))
	o.NotifyOptions.AddFlags(fss.FlagSet("notify"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete takes the manager id from the session token when none is set.
func (o *FleetsyncOptions) Complete() error {
	token := o.SessionOptions.Token
	if token == "" {
		return nil
	}
	claims, err := credential.Parse(token)
	if err != nil {
		return fmt.Errorf("invalid session token: %w", err)
	}
	if claims.Expired(time.Now()) {
		log.Warn("Session token has expired, the backend will likely reject it", "expires", claims.ExpiresAt)
	}
	if o.SessionOptions.ManagerID == 0 && claims.ManagerID > 0 {
		o.SessionOptions.ManagerID = claims.ManagerID
	}
	return nil
}

func (o *FleetsyncOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.SessionOptions.Validate()...)
	errs = append(errs, o.APIOptions.Validate()...)
	errs = append(errs, o.PushOptions.Validate()...)
	if o.PushOptions.Transport == options.TransportMQTT {
		errs = append(errs, o.MqttOptions.Validate()...)
	}
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.RedisOptions.Validate()...)
	errs = append(errs, o.FallbackOptions.Validate()...)
	errs = append(errs, o.NotifyOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

// LogOptions is picked up by the app to initialise logging.
func (o *FleetsyncOptions) LogOptions() *log.Options { return o.Log }

func (o *FleetsyncOptions) Config() (*fleetsync.Config, error) {
	return &fleetsync.Config{
		SessionOptions:  o.SessionOptions,
		APIOptions:      o.APIOptions,
		PushOptions:     o.PushOptions,
		MqttOptions:     o.MqttOptions,
		S3Options:       o.S3Options,
		RedisOptions:    o.RedisOptions,
		FallbackOptions: o.FallbackOptions,
		NotifyOptions:   o.NotifyOptions,
		HttpOptions:     o.HttpOptions,
	}, nil
}
