// Package config loads the server configuration from the environment.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the full server configuration. Empty DBDSN selects the
// in-memory store; empty RedisAddr selects the in-memory cache.
type Config struct {
	WSPort   int
	WSPath   string
	HTTPPort int

	DBDSN string

	RedisAddr     string
	RedisPassword string

	MQTTEnabled  bool
	MQTTHost     string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string

	LogLevel string
}

// Load reads the configuration from environment variables, applying
// defaults for everything optional.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("WS_PORT", 8887)
	v.SetDefault("WS_PATH", "/{ws}")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("MQTT_ENABLED", false)
	v.SetDefault("MQTT_HOST", "localhost")
	v.SetDefault("MQTT_PORT", 1883)
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("MQTT_CLIENT_ID", "ocpp-csms")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		WSPort:        v.GetInt("WS_PORT"),
		WSPath:        v.GetString("WS_PATH"),
		HTTPPort:      v.GetInt("HTTP_PORT"),
		DBDSN:         v.GetString("DB_DSN"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		MQTTEnabled:   v.GetBool("MQTT_ENABLED"),
		MQTTHost:      v.GetString("MQTT_HOST"),
		MQTTPort:      v.GetInt("MQTT_PORT"),
		MQTTUsername:  v.GetString("MQTT_USERNAME"),
		MQTTPassword:  v.GetString("MQTT_PASSWORD"),
		MQTTClientID:  v.GetString("MQTT_CLIENT_ID"),
		LogLevel:      v.GetString("LOG_LEVEL"),
	}
	return cfg, nil
}
