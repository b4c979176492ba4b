package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	NUT       NUTConfig       `mapstructure:"nut"`
	Collector CollectorConfig `mapstructure:"collector"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

type NUTConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UPSName string        `mapstructure:"ups_name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CollectorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Enabled  bool          `mapstructure:"enabled"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type StatsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	DownGap  time.Duration `mapstructure:"down_gap"`
}

type ShutdownConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	ThresholdPct   float64        `mapstructure:"threshold_pct"`
	HysteresisPct  float64        `mapstructure:"hysteresis_pct"`
	Attempts       int            `mapstructure:"attempts"`
	Backoff        time.Duration  `mapstructure:"backoff"`
	AttemptTimeout time.Duration  `mapstructure:"attempt_timeout"`
	Targets        []TargetConfig `mapstructure:"targets"`
}

type TargetConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
	Command string `mapstructure:"command"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/ups-monitor")
	}

	// Set defaults
	viper.SetDefault("nut.host", "localhost")
	viper.SetDefault("nut.port", 3493)
	viper.SetDefault("nut.ups_name", "cyberups")
	viper.SetDefault("nut.timeout", "5s")
	viper.SetDefault("collector.interval", "1s")
	viper.SetDefault("collector.enabled", true)
	viper.SetDefault("api.port", 8046)
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic_prefix", "ups")
	viper.SetDefault("mqtt.client_id", "ups-monitor")
	viper.SetDefault("database.path", "./ups.db")
	viper.SetDefault("database.retention", "720h")
	viper.SetDefault("stats.cache_ttl", "1s")
	viper.SetDefault("stats.down_gap", "2s")
	viper.SetDefault("shutdown.enabled", false)
	viper.SetDefault("shutdown.threshold_pct", 20)
	viper.SetDefault("shutdown.hysteresis_pct", 5)
	viper.SetDefault("shutdown.attempts", 3)
	viper.SetDefault("shutdown.backoff", "5s")
	viper.SetDefault("shutdown.attempt_timeout", "30s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
