package config

import (
	"fmt"
	"os"
	"slices"

	"github.com/alanyoungcy/signalbot/internal/crypto"
)

// SecretPasswordEnv holds the password that unlocks encrypted venue
// secrets.
const SecretPasswordEnv = EnvPrefix + "SECRET_PASSWORD"

// VenueSecret resolves the API secret for venue, decrypting
// encrypted_secret_file when api_secret is empty.
func VenueSecret(venue string, v VenueConfig) (string, error) {
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Venue:         venue,
		RawSecret:     v.APISecret,
		EncryptedPath: v.EncryptedSecretFile,
		Password:      os.Getenv(SecretPasswordEnv),
	})
	if err != nil {
		return "", fmt.Errorf("config: venue %s secret: %w", venue, err)
	}
	return secret, nil
}

// RedactedConfig returns a copy of cfg with secrets replaced by "***",
// safe to log.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Server.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	for _, v := range []*VenueConfig{&out.Venues.Kraken, &out.Venues.MEXC} {
		redact(&v.APIKey)
		redact(&v.APISecret)
	}

	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Catalog.Instruments = slices.Clone(cfg.Catalog.Instruments)
	if cfg.Ingest.Sources != nil {
		out.Ingest.Sources = make(map[string]string, len(cfg.Ingest.Sources))
		for k, v := range cfg.Ingest.Sources {
			out.Ingest.Sources[k] = v
		}
	}
	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
