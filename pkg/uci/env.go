package uci

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets that should not live in /etc/config
const (
	EnvSyncToken    = "ROUTETRACK_SYNC_TOKEN"
	EnvSyncURL      = "ROUTETRACK_SYNC_URL"
	EnvGoogleAPIKey = "ROUTETRACK_GOOGLE_API_KEY"
	EnvAPIKey       = "ROUTETRACK_API_KEY"
	EnvMQTTPassword = "ROUTETRACK_MQTT_PASSWORD"
)

// ApplyEnv loads envFile (if given) into the process environment without
// overriding variables already set, then applies the overrides to cfg.
// A missing envFile is not an error.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	override(&c.SyncToken, EnvSyncToken)
	override(&c.SyncURL, EnvSyncURL)
	override(&c.GoogleAPIKey, EnvGoogleAPIKey)
	override(&c.APIKey, EnvAPIKey)
	override(&c.MQTT.Password, EnvMQTTPassword)
	return nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
