package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// UnitConfig describes one served unit: the size of its register and
// coil banks, optional permitted address windows and the device
// identification objects.
type UnitConfig struct {
	Unit      int `mapstructure:"unit"`
	Coils     int `mapstructure:"coils"`
	Registers int `mapstructure:"registers"`

	// Ranges are [lo, hi] pairs; empty accepts every address inside
	// the bank.
	CoilRanges     [][2]uint16 `mapstructure:"coil_ranges"`
	RegisterRanges [][2]uint16 `mapstructure:"register_ranges"`

	ServerID       int               `mapstructure:"server_id"`
	Identification map[string]string `mapstructure:"identification"`
}

// Config is the server daemon configuration, loadable from YAML,
// environment and flags.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Protocol string `mapstructure:"protocol"` // tcp or udp

	LogLevel string `mapstructure:"log_level"`

	Units []UnitConfig `mapstructure:"units"`
}

// LoadConfig merges defaults, the config file and command line flags.
func LoadConfig() (*Config, error) {
	viper.SetDefault("listen", "0.0.0.0:502")
	viper.SetDefault("protocol", "tcp")
	viper.SetDefault("log_level", "info")

	pflag.StringP("config", "c", "", "Configuration file path.")
	pflag.StringP("listen", "l", viper.GetString("listen"), "Address to listen on.")
	pflag.StringP("protocol", "p", viper.GetString("protocol"), "Transport protocol, tcp or udp.")
	pflag.StringP("log_level", "v", viper.GetString("log_level"), "Log verbosity level (debug, info, warn, error).")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/modbus-server/")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("modbus")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(config.Units) == 0 {
		config.Units = []UnitConfig{{Unit: 1, Coils: 1024, Registers: 1024}}
	}
	return &config, nil
}
