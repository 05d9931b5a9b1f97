package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    int             `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
	Cache       CacheConfig     `mapstructure:"cache"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type DatabaseConfig struct {
	// AuthDir holds one sqlite file per connection with the protocol
	// credential material. StorePath is the relational store for
	// chats/contacts/messages.
	AuthDir   string `mapstructure:"auth_dir"`
	StorePath string `mapstructure:"store_path"`
}

type ReconnectConfig struct {
	DelaySeconds int `mapstructure:"delay_seconds"`
}

func (r ReconnectConfig) Delay() time.Duration {
	return time.Duration(r.DelaySeconds) * time.Second
}

type CacheConfig struct {
	MessageCapacity int `mapstructure:"message_capacity"`
	GroupTTLMinutes int `mapstructure:"group_ttl_minutes"`
}

func (c CacheConfig) GroupTTL() time.Duration {
	return time.Duration(c.GroupTTLMinutes) * time.Minute
}

func Load() (*Config, error) {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", 4) // Info level
	viper.SetDefault("server.port", 9500)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.auth_dir", "data/auth")
	viper.SetDefault("database.store_path", "data/gateway.db")
	viper.SetDefault("reconnect.delay_seconds", 5)
	viper.SetDefault("cache.message_capacity", 1000)
	viper.SetDefault("cache.group_ttl_minutes", 60)

	// Environment variables
	viper.SetEnvPrefix("WAGW")
	viper.AutomaticEnv()

	// Config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Read config file (optional)
	viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
