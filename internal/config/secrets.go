package config

import "maps"

// Redacted returns a copy of cfg with secrets replaced by "***", for logging
// the active configuration.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Provider.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	// Maps are shared by the shallow copy.
	out.Assets = maps.Clone(c.Assets)
	out.Chain.Routers = maps.Clone(c.Chain.Routers)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
