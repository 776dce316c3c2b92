// Package config loads the collaboration server configuration from a YAML
// file and COLLAB_-prefixed environment variables. Environment values win.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/flowmesh/flowmesh/internal/api"
	ws "github.com/flowmesh/flowmesh/internal/api/websocket"
	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/database"
)

// Config is the full server configuration
type Config struct {
	API       api.Config      `mapstructure:"api"`
	WebSocket ws.Config       `mapstructure:"websocket"`
	Database  database.Config `mapstructure:"database"`
	Auth      auth.Config     `mapstructure:"auth"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// MetricsEnabled switches between the Prometheus client and a no-op
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Load reads configuration from the given file (optional) and the
// environment
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the loaded configuration for required values
func (c *Config) Validate() error {
	if c.API.ListenAddress == "" {
		return errors.New("api.listen_address is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Auth.VerifyEndpoint == "" && c.Auth.JWTSecret == "" {
		return errors.New("auth requires a verify_endpoint or a jwt_secret")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", true)

	v.SetDefault("api.listen_address", ":3002")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})

	wsDefaults := ws.DefaultConfig()
	v.SetDefault("websocket.ping_interval", wsDefaults.PingInterval)
	v.SetDefault("websocket.max_message_size", wsDefaults.MaxMessageSize)
	v.SetDefault("websocket.message_rate", wsDefaults.MessageRate)
	v.SetDefault("websocket.handshake_rate", wsDefaults.HandshakeRate)
	v.SetDefault("websocket.allowed_origins", []string{"localhost:3000"})

	dbDefaults := database.DefaultConfig()
	v.SetDefault("database.driver", dbDefaults.Driver)
	v.SetDefault("database.max_open_conns", dbDefaults.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", dbDefaults.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", dbDefaults.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", dbDefaults.ConnMaxIdleTime)
	v.SetDefault("database.connect_timeout", dbDefaults.ConnectTimeout)

	v.SetDefault("auth.timeout", 10*time.Second)
	v.SetDefault("auth.max_retries", 2)
}
