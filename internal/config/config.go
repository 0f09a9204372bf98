package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string        `mapstructure:"mode"`
	Port      int           `mapstructure:"port"`
	ReadLimit int64         `mapstructure:"read_limit"`
	Secret    string        `mapstructure:"secret"`
	Peer      PeerConfig    `mapstructure:"peer"`
	PingEvery time.Duration `mapstructure:"ping_period"`
}

// PeerConfig drives the participant runtime: how to reach the relay and
// how patient the negotiation machinery is.
type PeerConfig struct {
	Room               string        `mapstructure:"room"`
	DisplayName        string        `mapstructure:"display_name"`
	Media              string        `mapstructure:"media"`
	RelayURL           string        `mapstructure:"relay_url"`
	STUNServers        []string      `mapstructure:"stun_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	RetryBudget        int           `mapstructure:"retry_budget"`
	ReconnectMin       time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax       time.Duration `mapstructure:"reconnect_max"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("peer.room", "lobby")
	v.SetDefault("peer.display_name", "guest")
	v.SetDefault("peer.media", "camera")
	v.SetDefault("peer.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.negotiation_timeout", "15s")
	v.SetDefault("peer.retry_budget", 3)
	v.SetDefault("peer.reconnect_min", "500ms")
	v.SetDefault("peer.reconnect_max", "30s")

	if err := v.ReadInConfig(); err != nil {
		// A present-but-broken file is a deploy mistake, not a reason to
		// run on defaults.
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
