package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	Port              int           `mapstructure:"port"`
	RoomsEnabled      bool          `mapstructure:"rooms_enabled"`
	ExclusivePairing  bool          `mapstructure:"exclusive_pairing"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `mapstructure:"heartbeat_grace"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	Secret            string        `mapstructure:"secret"`
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

	v.SetEnvPrefix("castlink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 6060)
	v.SetDefault("rooms_enabled", true)
	v.SetDefault("exclusive_pairing", false)
	// Grace is 2.5x the heartbeat cadence.
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("heartbeat_grace", "75s")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "castlink-dev-secret")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
