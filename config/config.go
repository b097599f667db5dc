// Package config loads service configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every knob the service reads at startup.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Event-stream API root, e.g. https://winchatty.com/v2.
	ChattyBaseURL string `env:"CHATTY_BASE_URL,required"`

	// WNS application credentials for the token-based push channel.
	// Leaving them empty switches the WNS channel to a mock sender.
	WNSClientID     string `env:"WNS_CLIENT_ID"`
	WNSClientSecret string `env:"WNS_CLIENT_SECRET"`

	// Firebase service-account JSON for the FCM channel. Empty switches
	// the FCM channel to a mock sender.
	FirebaseCredentialsJSON string `env:"FIREBASE_CREDENTIALS_JSON,unset"`

	// Front-page RSS feed rendered into tile content.
	TileFeedURL string `env:"TILE_FEED_URL" envDefault:""`
}

// Load reads the optional .env file and parses the environment.
func Load() (*Config, error) {
	// The .env file is a local development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
