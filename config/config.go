package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ParcelDesk ParcelDeskConfig `yaml:"parceldesk"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PackageUpdatedTopicName string `yaml:"package_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ParcelDeskConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// Shared secret for the machine API (API-KEY header). Requests to
	// key-protected routes fail with a configuration error while unset.
	APIKey string `yaml:"api_key"`

	PackageCacheTTLSeconds  int `yaml:"package_cache_ttl_seconds"`
	ClaimRateLimitPerMinute int `yaml:"claim_rate_limit_per_minute"`

	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`
	NotifierHTTPAddr   string `yaml:"notifier_http_addr"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// DSN assembles the postgres connection string. sslmode defaults to
// disable for local setups.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}
