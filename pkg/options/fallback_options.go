package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

const (
	FallbackFile  = "file"
	FallbackS3    = "s3"
	FallbackRedis = "redis"
	FallbackSeed  = "seed"
)

var _ IOptions = (*FallbackOptions)(nil)

// FallbackOptions orders the sources tried when the backend is unreachable.
type FallbackOptions struct {
	// Sources are tried in order; unconfigured ones are skipped.
	Sources []string `json:"sources" mapstructure:"sources"`

	// File is a YAML or JSON snapshot document.
	File string `json:"file" mapstructure:"file"`

	// CacheSnapshots writes every authoritative snapshot to redis.
	CacheSnapshots bool `json:"cache-snapshots" mapstructure:"cache-snapshots"`
}

func NewFallbackOptions() *FallbackOptions {
	return &FallbackOptions{
		Sources:        []string{FallbackRedis, FallbackS3, FallbackFile, FallbackSeed},
		CacheSnapshots: true,
	}
}

func (o *FallbackOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	for _, s := range o.Sources {
		switch s {
		case FallbackFile, FallbackS3, FallbackRedis, FallbackSeed:
		default:
			errors = append(errors, fmt.Errorf("fallback.sources: unknown source %q", s))
		}
	}

	return errors
}

func (o *FallbackOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringSliceVar(&o.Sources, "fallback.sources", o.Sources, "Fallback sources in the order they are tried (file, s3, redis, seed).")
	fs.StringVar(&o.File, "fallback.file", o.File, "Path of a YAML or JSON fallback snapshot.")
	fs.BoolVar(&o.CacheSnapshots, "fallback.cache-snapshots", o.CacheSnapshots, "Store every authoritative snapshot in redis when redis is configured.")
}
