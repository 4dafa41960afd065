// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppPort string `envconfig:"APP_PORT" default:"8080"`

	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"memberclub"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `envconfig:"GOOGLE_REDIRECT_URL"`

	KeycloakIssuer        string `envconfig:"KEYCLOAK_ISSUER"`
	KeycloakClientID      string `envconfig:"KEYCLOAK_CLIENT_ID"`
	KeycloakRedirectURL   string `envconfig:"KEYCLOAK_REDIRECT_URL"`
	KeycloakPublicBaseURL string `envconfig:"KEYCLOAK_PUBLIC_BASE_URL"`

	// An expired linking hold forces the caller back to phase 1.
	LinkHoldTTL time.Duration `envconfig:"LINK_HOLD_TTL" default:"10m"`
	SessionTTL  time.Duration `envconfig:"SESSION_TTL" default:"24h"`

	MergeWorkerInterval time.Duration `envconfig:"MERGE_WORKER_INTERVAL" default:"2s"`
	MergeMaxAttempts    int           `envconfig:"MERGE_MAX_ATTEMPTS" default:"3"`
}

func Load() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
