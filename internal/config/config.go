// Package config loads engine configuration from environment variables,
// optionally seeded from a .env file in development.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envListenAddr        = "MAILSYNC_LISTEN_ADDR"
	envDBPath            = "MAILSYNC_DB_PATH"
	envDataRoot          = "MAILSYNC_DATA_ROOT"
	envNATSURL           = "MAILSYNC_NATS_URL"
	envCronSecret        = "MAILSYNC_CRON_SECRET"
	envStateSecret       = "MAILSYNC_STATE_SECRET"
	envJWKSURL           = "MAILSYNC_JWKS_URL"
	envAppBaseURL        = "MAILSYNC_APP_BASE_URL"
	envGoogleClientID    = "MAILSYNC_GOOGLE_CLIENT_ID"
	envGoogleSecret      = "MAILSYNC_GOOGLE_CLIENT_SECRET"
	envGoogleRedirect    = "MAILSYNC_GOOGLE_REDIRECT_URL"
	envMicrosoftClientID = "MAILSYNC_MS_CLIENT_ID"
	envMicrosoftSecret   = "MAILSYNC_MS_CLIENT_SECRET"
	envMicrosoftRedirect = "MAILSYNC_MS_REDIRECT_URL"
	envMicrosoftTenant   = "MAILSYNC_MS_TENANT"
)

// Config is everything the engine reads from the environment.
type Config struct {
	ListenAddr  string
	DBPath      string
	DataRoot    string
	NATSURL     string
	CronSecret  string
	StateSecret string
	JWKSURL     string
	AppBaseURL  string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenant       string
}

// Load reads the environment (after a best-effort .env load) and validates
// that every required variable is present.
func Load() (*Config, error) {
	// Missing .env is fine outside development.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:  getOr(envListenAddr, ":8080"),
		DBPath:      getOr(envDBPath, "data/platform.db"),
		DataRoot:    getOr(envDataRoot, "data/mail"),
		NATSURL:     getOr(envNATSURL, "nats://127.0.0.1:4222"),
		CronSecret:  os.Getenv(envCronSecret),
		StateSecret: os.Getenv(envStateSecret),
		JWKSURL:     os.Getenv(envJWKSURL),
		AppBaseURL:  getOr(envAppBaseURL, "http://localhost:3000"),

		GoogleClientID:     os.Getenv(envGoogleClientID),
		GoogleClientSecret: os.Getenv(envGoogleSecret),
		GoogleRedirectURL:  os.Getenv(envGoogleRedirect),

		MicrosoftClientID:     os.Getenv(envMicrosoftClientID),
		MicrosoftClientSecret: os.Getenv(envMicrosoftSecret),
		MicrosoftRedirectURL:  os.Getenv(envMicrosoftRedirect),
		MicrosoftTenant:       getOr(envMicrosoftTenant, "common"),
	}

	var missing []string
	required := map[string]string{
		envCronSecret:        cfg.CronSecret,
		envStateSecret:       cfg.StateSecret,
		envJWKSURL:           cfg.JWKSURL,
		envGoogleClientID:    cfg.GoogleClientID,
		envGoogleSecret:      cfg.GoogleClientSecret,
		envGoogleRedirect:    cfg.GoogleRedirectURL,
		envMicrosoftClientID: cfg.MicrosoftClientID,
		envMicrosoftSecret:   cfg.MicrosoftClientSecret,
		envMicrosoftRedirect: cfg.MicrosoftRedirectURL,
	}
	for name, val := range required {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

func getOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
