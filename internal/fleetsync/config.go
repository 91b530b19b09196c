// Package fleetsync assembles a session, its data sources and the local HTTP
// API from the command line options.
package fleetsync

import (
	"fmt"
	"io"

	"github.com/autopeer-io/fleetsync/internal/connection"
	"github.com/autopeer-io/fleetsync/internal/fallback"
	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/internal/restapi"
	"github.com/autopeer-io/fleetsync/internal/server"
	"github.com/autopeer-io/fleetsync/internal/session"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

type Config struct {
	SessionOptions  *options.SessionOptions
	APIOptions      *options.APIOptions
	PushOptions     *options.PushOptions
	MqttOptions     *options.MqttOptions
	S3Options       *options.S3Options
	RedisOptions    *options.RedisOptions
	FallbackOptions *options.FallbackOptions
	NotifyOptions   *options.NotifyOptions
	HttpOptions     *options.HttpOptions
}

// NewSession builds a session from the configuration. The returned closer
// releases the fallback stores and must be called once the session is done.
func (cfg *Config) NewSession() (*session.Session, io.Closer, error) {
	dialer, err := cfg.newDialer()
	if err != nil {
		return nil, nil, err
	}

	source, cache, closer, err := cfg.newFallback()
	if err != nil {
		return nil, nil, err
	}

	sess, err := session.New(&session.Config{
		ManagerID:        fleet.ManagerID(cfg.SessionOptions.ManagerID),
		Backend:          restapi.NewClient(cfg.APIOptions, cfg.SessionOptions.Token),
		Dialer:           dialer,
		Fallback:         source,
		Cache:            cache,
		SynthesizeAlarms: cfg.SessionOptions.SynthesizeAlarms,
		QueueSize:        cfg.SessionOptions.QueueSize,
		MaxProblems:      cfg.SessionOptions.MaxProblems,
		ReconnectDelay:   cfg.PushOptions.ReconnectDelay,
		DialTimeout:      cfg.PushOptions.DialTimeout,
		MutationTimeout:  cfg.APIOptions.Timeout,
		NotifyCapacity:   cfg.NotifyOptions.Capacity,
		CriticalTTL:      cfg.NotifyOptions.CriticalTTL,
	})
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return sess, closer, nil
}

// NewDaemon builds the session and the HTTP API serving it.
func (cfg *Config) NewDaemon() (*Daemon, error) {
	sess, closer, err := cfg.NewSession()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		session: sess,
		server:  server.NewServer(cfg.HttpOptions, sess),
		closer:  closer,
	}, nil
}

func (cfg *Config) newDialer() (connection.Dialer, error) {
	switch cfg.PushOptions.Transport {
	case options.TransportWebSocket:
		return &connection.WebSocketDialer{
			URL:              cfg.PushOptions.URL,
			Token:            cfg.SessionOptions.Token,
			HandshakeTimeout: cfg.PushOptions.DialTimeout,
		}, nil
	case options.TransportMQTT:
		return &connection.MQTTDialer{
			Config:    *cfg.MqttOptions.ToClientConfig(),
			TopicRoot: cfg.MqttOptions.TopicRoot,
			QoS:       cfg.MqttOptions.QoS,
		}, nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.PushOptions.Transport)
	}
}

type closers []io.Closer

func (c closers) Close() error {
	var last error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			last = err
		}
	}
	return last
}

// newFallback chains the configured offline sources in order. Sources whose
// store is not configured are skipped. The redis source doubles as the
// snapshot cache when caching is on.
func (cfg *Config) newFallback() (fallback.Source, session.SnapshotCache, io.Closer, error) {
	var (
		chain fallback.Chain
		cache session.SnapshotCache
		closing closers
	)
	for _, name := range cfg.FallbackOptions.Sources {
		switch name {
		case options.FallbackRedis:
			if !cfg.RedisOptions.Enabled() {
				continue
			}
			rs := fallback.NewRedisSource(cfg.RedisOptions)
			chain = append(chain, rs)
			closing = append(closing, rs)
			if cfg.FallbackOptions.CacheSnapshots {
				cache = rs
			}
		case options.FallbackS3:
			if !cfg.S3Options.Enabled() {
				continue
			}
			obj, err := fallback.NewObjectSource(cfg.S3Options)
			if err != nil {
				_ = closing.Close()
				return nil, nil, nil, err
			}
			chain = append(chain, obj)
		case options.FallbackFile:
			if cfg.FallbackOptions.File == "" {
				continue
			}
			chain = append(chain, fallback.FileSource{Path: cfg.FallbackOptions.File})
		case options.FallbackSeed:
			chain = append(chain, fallback.Seed())
		}
	}
	if len(chain) == 0 {
		chain = fallback.Chain{fallback.Seed()}
	}
	return chain, cache, closing, nil
}
