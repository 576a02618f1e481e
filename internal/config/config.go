// Package config loads rolearb's configuration from a file and the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ROLEARB_DEVICE_LISTEN.
const EnvPrefix = "ROLEARB"

// Config is the root configuration struct
type Config struct {
	Device     DeviceConfig     `mapstructure:"device"`
	Controller ControllerConfig `mapstructure:"controller"`
	Log        LogConfig        `mapstructure:"log"`
}

// DeviceConfig holds the listening side's settings
type DeviceConfig struct {
	Network      string        `mapstructure:"network"`
	Listen       string        `mapstructure:"listen"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// ControllerConfig holds the connecting side's settings
type ControllerConfig struct {
	Network         string        `mapstructure:"network"`
	Addr            string        `mapstructure:"addr"`
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
	TransactTimeout time.Duration `mapstructure:"transactTimeout"`
	PollTimeout     time.Duration `mapstructure:"pollTimeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from file and environment. An empty cfgFile looks
// for rolearb.yaml in the working directory and /etc/rolearb; not finding
// one is fine.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("device.network", "tcp")
	v.SetDefault("device.listen", "127.0.0.1:6653")
	v.SetDefault("device.writeTimeout", 10*time.Second)
	v.SetDefault("controller.network", "tcp")
	v.SetDefault("controller.addr", "127.0.0.1:6653")
	v.SetDefault("controller.connectTimeout", 20*time.Second)
	v.SetDefault("controller.transactTimeout", 2*time.Second)
	v.SetDefault("controller.pollTimeout", 2*time.Second)
	v.SetDefault("log.level", "info")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("rolearb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rolearb")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "could not read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}
	return cfg, nil
}
