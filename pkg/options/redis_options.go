package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*RedisOptions)(nil)

// RedisOptions configures the snapshot cache used as a fallback source. An
// empty address disables it.
type RedisOptions struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	Key      string        `json:"key" mapstructure:"key"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

func NewRedisOptions() *RedisOptions {
	return &RedisOptions{
		Key: "fleetsync:snapshot",
	}
}

// Enabled reports whether an address is configured.
func (o *RedisOptions) Enabled() bool { return o != nil && o.Addr != "" }

func (o *RedisOptions) Validate() []error {
	if !o.Enabled() {
		return nil
	}

	errors := []error{}

	if o.Key == "" {
		errors = append(errors, fmt.Errorf("redis.key is required when redis.addr is set"))
	}
	if o.DB < 0 {
		errors = append(errors, fmt.Errorf("redis.db must not be negative"))
	}
	if o.TTL < 0 {
		errors = append(errors, fmt.Errorf("redis.ttl must not be negative"))
	}

	return errors
}

func (o *RedisOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, "redis.addr", o.Addr, "Redis address caching the last good snapshot. Empty disables the cache.")
	fs.StringVar(&o.Password, "redis.password", o.Password, "Redis password")
	fs.IntVar(&o.DB, "redis.db", o.DB, "Redis database number")
	fs.StringVar(&o.Key, "redis.key", o.Key, "Key holding the cached snapshot")
	fs.DurationVar(&o.TTL, "redis.ttl", o.TTL, "Expiry of the cached snapshot; 0 keeps it forever")
}
