// Package config loads the pipeline's environment-sourced configuration
// (spec §6), with an optional config.yaml overlay and .env loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds every environment-sourced setting the pipeline needs.
type Config struct {
	BMSMACAddress   string        `yaml:"bms_mac_address"`
	BMSReadInterval time.Duration `yaml:"bms_read_interval"`

	SOCRegister uint16  `yaml:"soc_register" default:"44"` // 0x2C
	SOCScale    float64 `yaml:"soc_scale" default:"0.1"`
	SOCOffset   float64 `yaml:"soc_offset" default:"0"`

	DatabaseURL    string `yaml:"database_url" default:"./bms.db"`
	RedisURL       string `yaml:"redis_url"`
	MQTTBrokerURL  string `yaml:"mqtt_broker_url" default:"nats://localhost:4222"`
	MQTTClientID   string `yaml:"mqtt_client_id" default:"dalybmsd"`

	Host string `yaml:"host" default:"0.0.0.0"`
	Port int    `yaml:"port" default:"8080"`

	LogLevel string `yaml:"log_level" default:"info"`
}

// Load builds a Config from, in increasing priority order: struct defaults,
// an optional YAML file at yamlPath (skipped if absent), a .env file in the
// working directory (best-effort, silently skipped if missing), and environment
// variables.
func Load(yamlPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{BMSReadInterval: 30 * time.Second}
	defaults.SetDefaults(cfg)

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("BMS_MAC_ADDRESS"); v != "" {
		cfg.BMSMACAddress = v
	}
	if v := os.Getenv("BMS_READ_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: BMS_READ_INTERVAL: %w", err)
		}
		cfg.BMSReadInterval = d
	}
	if v := os.Getenv("SOC_REGISTER"); v != "" {
		reg, err := parseRegister(v)
		if err != nil {
			return fmt.Errorf("config: SOC_REGISTER: %w", err)
		}
		cfg.SOCRegister = reg
	}
	if v := os.Getenv("SOC_SCALE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SOC_SCALE: %w", err)
		}
		cfg.SOCScale = f
	}
	if v := os.Getenv("SOC_OFFSET"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SOC_OFFSET: %w", err)
		}
		cfg.SOCOffset = f
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		cfg.MQTTBrokerURL = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// parseRegister accepts both decimal and 0x-prefixed hex register addresses.
func parseRegister(v string) (uint16, error) {
	v = strings.TrimSpace(v)
	base := 10
	if strings.HasPrefix(strings.ToLower(v), "0x") {
		v = v[2:]
		base = 16
	}
	n, err := strconv.ParseUint(v, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// NewLogger builds a logrus.Logger configured from cfg.LogLevel.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
