package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Supervisor struct {
		LogCapacity  int           `mapstructure:"log_capacity"`
		StopGrace    time.Duration `mapstructure:"stop_grace"`
		RestartDelay time.Duration `mapstructure:"restart_delay"`
	} `mapstructure:"supervisor"`
	Registry struct {
		CallTimeout    time.Duration `mapstructure:"call_timeout"`
		HealthInterval time.Duration `mapstructure:"health_interval"`
	} `mapstructure:"registry"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("supervisor.log_capacity", 1000)
	viper.SetDefault("supervisor.stop_grace", 5*time.Second)
	viper.SetDefault("supervisor.restart_delay", 5*time.Second)
	viper.SetDefault("registry.call_timeout", 30*time.Second)
	viper.SetDefault("registry.health_interval", 30*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and environment apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
