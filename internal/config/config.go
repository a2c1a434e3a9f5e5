// Package config loads the relay configuration from a YAML file with
// environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	defaultPath = "."
	envPrefix   = "RELAY_"
)

type Config struct {
	Env struct {
		Name        string `yaml:"name"`
		ServiceName string `yaml:"serviceName"`
		Log         Log    `yaml:"log"`
	} `yaml:"env"`

	HTTP struct {
		Port              int           `yaml:"port"`
		ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"http"`

	WS WSConfig `yaml:"ws"`

	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`

	Postgres struct {
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"postgres"`

	Redis struct {
		Addr        string        `yaml:"addr"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PresenceTTL time.Duration `yaml:"presenceTTL"`
	} `yaml:"redis"`

	AMQP struct {
		URL      string     `yaml:"url"`
		Exchange string     `yaml:"exchange"`
		Events   AMQPEvents `yaml:"events"`
	} `yaml:"amqp"`

	GRPC struct {
		Addr string `yaml:"addr"`
	} `yaml:"grpc"`

	Tracing struct {
		Endpoint string `yaml:"endpoint"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"tracing"`

	Debug struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"debug"`
}

type Log struct {
	Pretty bool   `yaml:"pretty"`
	Level  string `yaml:"level"`
}

// AMQPEvents describes where domain events are consumed from.
type AMQPEvents struct {
	Exchange    string   `yaml:"exchange"`
	Queue       string   `yaml:"queue"`
	RoutingKeys []string `yaml:"routingKeys"`
	Prefetch    int      `yaml:"prefetch"`
}

// WSConfig tunes the websocket transport.
type WSConfig struct {
	Path           string        `yaml:"path"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	MaxMissedPongs int           `yaml:"maxMissedPongs"`
	SendBuffer     int           `yaml:"sendBuffer"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	ReadLimit      int64         `yaml:"readLimit"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

// Defaults returns the configuration used for any key the file and the
// environment leave unset.
func Defaults() Config {
	var cfg Config
	cfg.Env.Name = "local"
	cfg.Env.ServiceName = "notification-relay"
	cfg.Env.Log.Level = "info"
	cfg.HTTP.Port = 8090
	cfg.HTTP.ReadHeaderTimeout = 5 * time.Second
	cfg.HTTP.ShutdownTimeout = 15 * time.Second
	cfg.WS = WSConfig{
		Path:           "/ws",
		PingInterval:   25 * time.Second,
		MaxMissedPongs: 2,
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		ReadLimit:      4096,
	}
	cfg.Redis.PresenceTTL = 2 * time.Minute
	cfg.AMQP.Exchange = "relay_events"
	cfg.AMQP.Events.Exchange = "domain_events"
	cfg.AMQP.Events.Queue = "notification-relay.dispatch"
	cfg.AMQP.Events.RoutingKeys = []string{"order.#", "delivery.#", "chat.#", "promotion.#", "system.#"}
	cfg.AMQP.Events.Prefetch = 50
	return cfg
}

// Load reads config.yaml from path (or the default search paths when path is
// empty) and applies environment overrides such as RELAY_WS_PINGINTERVAL=10s.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	configFile, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}

	existing := k.Raw()
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return canonicalizeEnvKey(strings.TrimPrefix(key, envPrefix), existing), value
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables")
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			TagName:          "yaml",
			WeaklyTypedInput: true,
			ZeroFields:       true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	return &cfg, cfg.Validate()
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret must be set")
	}
	if c.WS.PingInterval <= 0 {
		return errors.New("ws.pingInterval must be positive")
	}
	if c.WS.MaxMissedPongs < 1 {
		return errors.New("ws.maxMissedPongs must be at least 1")
	}
	if c.WS.SendBuffer < 1 {
		return errors.New("ws.sendBuffer must be at least 1")
	}
	return nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Wrapf(err, "config file %s", path)
		}
		return path, nil
	}
	for _, dir := range []string{defaultPath, "config"} {
		candidate := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	// Running purely from the environment is allowed.
	return "", nil
}

// canonicalizeEnvKey maps WS_PINGINTERVAL (prefix already stripped) to
// ws.pingInterval, reusing the spelling of keys already in the loaded file.
func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		matched, next, ok := findExistingSegment(current, segment)
		if ok {
			canonical = append(canonical, matched)
			current = next
			continue
		}
		canonical = append(canonical, segment)
		current = nil
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (string, map[string]any, bool) {
	for key, value := range current {
		if !strings.EqualFold(key, segment) {
			continue
		}
		next, _ := value.(map[string]any)
		return key, next, true
	}
	return "", nil, false
}
