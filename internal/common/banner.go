package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and logs the effective settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("JobRelay", GetVersion())

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Str("site", config.Site.BaseURL).
		Bool("headless", config.Browser.Headless).
		Bool("relay_configured", config.Relay.WebhookURL != "").
		Bool("verify_token_configured", config.Relay.VerifyToken != "").
		Msg("JobRelay starting")
}
