// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Well-known locations inside workload containers.
const (
	DefaultJobPrefix = "config/jobs/"
	DefaultACLPrefix = "config/acls/"
)

// Config holds application configuration
type Config struct {
	// Object store
	S3Host      string
	S3Port      int
	S3AccessKey string
	S3SecretKey string
	S3Secure    bool
	S3Region    string
	S3Bucket    string

	// Message broker
	MQTTHost     string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string

	// TLS material used for mutual authentication against the store
	// and the broker. Paths point into the mounted secrets volume.
	TLSCACert string
	TLSCert   string
	TLSKey    string

	// Store prefixes holding the declarative catalogs
	JobPrefix string
	ACLPrefix string

	// Compose project the scheduler manages
	ProjectName string

	// Administrative credentials for the store control plane
	AdminUsername string
	AdminPassword string

	LogLevel string
	Port     int
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	s3Port, err := getEnvInt("S3_PORT", 9000)
	if err != nil {
		return nil, err
	}

	mqttPort, err := getEnvInt("MQTT_PORT", 8883)
	if err != nil {
		return nil, err
	}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		S3Host:      getEnv("S3_HOST", "minio"),
		S3Port:      s3Port,
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Secure:    getEnvBool("S3_SECURE", true),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "seguro"),

		MQTTHost:     getEnv("MQTT_HOST", "mosquitto"),
		MQTTPort:     mqttPort,
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		TLSCACert: getEnv("TLS_CACERT", "/certs/ca.crt"),
		TLSCert:   getEnv("TLS_CERT", "/certs/client.crt"),
		TLSKey:    getEnv("TLS_KEY", "/certs/client.key"),

		JobPrefix: getEnv("JOB_PREFIX", DefaultJobPrefix),
		ACLPrefix: getEnv("ACL_PREFIX", DefaultACLPrefix),

		ProjectName: getEnv("COMPOSE_PROJECT", "scheduler"),

		AdminUsername: getEnv("ADMIN_USERNAME", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     port,
		DevMode:  getEnvBool("DEV_MODE", false),
	}

	return cfg, nil
}

// S3Endpoint returns the host:port pair of the object store.
func (c *Config) S3Endpoint() string {
	return fmt.Sprintf("%s:%d", c.S3Host, c.S3Port)
}

// MQTTEndpoint returns the broker URI understood by the MQTT client.
func (c *Config) MQTTEndpoint() string {
	scheme := "ssl"
	if c.DevMode {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTTHost, c.MQTTPort)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}

	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}

	return b
}
