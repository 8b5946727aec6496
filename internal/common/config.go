package common

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Browser     BrowserConfig   `toml:"browser"`
	Site        SiteConfig      `toml:"site"`
	Auth        AuthConfig      `toml:"auth"`
	Posting     PostingConfig   `toml:"posting"`
	Relay       RelayConfig     `toml:"relay"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port   int    `toml:"port"`
	Host   string `toml:"host"`
	APIKey string `toml:"api_key"` // Bearer key for /api admin routes. Empty rejects every admin request.

	// Public endpoint limiter (deep link and webhook verification), per client IP.
	// Webhook event delivery is not limited.
	PublicRatePerSecond float64 `toml:"public_rate_per_second"`
	PublicRateBurst     int     `toml:"public_rate_burst"`

	// Proxies whose X-Forwarded-For is believed, as CIDRs or single addresses.
	// Requests from anywhere else are keyed on their socket address.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies
func (c *ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig holds jobs, publish records and credential sets
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
	InMemory       bool   `toml:"in_memory"`
}

// SQLiteConfig holds the context session table
type SQLiteConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	WALMode       bool   `toml:"wal_mode"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output     []string `toml:"output"` // "console", "file"
	FilePath   string   `toml:"file_path"`
	TimeFormat string   `toml:"time_format"`
}

// BrowserConfig controls the chromedp allocator and the account context pool
type BrowserConfig struct {
	Headless       bool   `toml:"headless"`
	NoSandbox      bool   `toml:"no_sandbox"`
	ExecPath       string `toml:"exec_path"`
	UserAgent      string `toml:"user_agent"`
	WindowWidth    int    `toml:"window_width"`
	WindowHeight   int    `toml:"window_height"`
	StartupTimeout string `toml:"startup_timeout"` // e.g. "30s"
	MaxContexts    int    `toml:"max_contexts"`    // Live account contexts at once. 1 reproduces strict single-context switching.
	LeaseTimeout   string `toml:"lease_timeout"`   // How long a second request for a busy account queues before ErrAccountBusy
	LockDir        string `toml:"lock_dir"`        // Cross-process account lock files
	ActionTimeout  string `toml:"action_timeout"`  // Upper bound for a single page or element call
}

// SiteConfig describes the publishing surface
type SiteConfig struct {
	BaseURL          string `toml:"base_url"`
	CookieDomain     string `toml:"cookie_domain"`
	IdentityArtifact string `toml:"identity_artifact"` // cookie naming the logged-in user
	SessionArtifact  string `toml:"session_artifact"`  // cookie carrying the session secret
}

type AuthConfig struct {
	NavigationTimeout     string `toml:"navigation_timeout"`
	SettleDelay           string `toml:"settle_delay"`
	SubmitWait            string `toml:"submit_wait"`
	ChallengePollInterval string `toml:"challenge_poll_interval"`
	ChallengeMaxPolls     int    `toml:"challenge_max_polls"`
	KeyringService        string `toml:"keyring_service"`
}

type PostingConfig struct {
	NavigationTimeout     string `toml:"navigation_timeout"`
	NavigationRetries     int    `toml:"navigation_retries"`
	NavigationBackoff     string `toml:"navigation_backoff"`
	SettleDelay           string `toml:"settle_delay"`
	ProbeTimeout          string `toml:"probe_timeout"` // per composer-trigger probe
	ComposerOpenDelay     string `toml:"composer_open_delay"`
	InputTimeout          string `toml:"input_timeout"`
	TypeDelay             string `toml:"type_delay"`
	SubmitTimeout         string `toml:"submit_timeout"`
	SubmitFallbackTimeout string `toml:"submit_fallback_timeout"`
	SubmitGrace           string `toml:"submit_grace"`
	VerifyTimeout         string `toml:"verify_timeout"`
	PostInterval          string `toml:"post_interval"` // pacing between destinations of one account
	StaleAfter            string `toml:"stale_after"`   // a POSTING record idle this long was abandoned by its runner
}

type RelayConfig struct {
	PublicBaseURL  string `toml:"public_base_url"` // prefix for minted deep links
	RedirectPath   string `toml:"redirect_path"`
	MessengerLink  string `toml:"messenger_link"` // e.g. https://m.me/<page>
	MessengerPage  string `toml:"messenger_page"`
	SessionTTL     string `toml:"session_ttl"`
	WebhookURL     string `toml:"webhook_url"`
	WebhookTimeout string `toml:"webhook_timeout"`
	VerifyToken    string `toml:"verify_token"`
}

type SchedulerConfig struct {
	PendingSchedule string `toml:"pending_schedule"` // empty disables scheduled publishing
	SweepSchedule   string `toml:"sweep_schedule"`
	BatchLimit      int    `toml:"batch_limit"`
	JobPause        string `toml:"job_pause"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:                8085,
			Host:                "localhost",
			PublicRatePerSecond: 5,
			PublicRateBurst:     20,
			TrustedProxies:      []string{"127.0.0.1", "::1"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
			SQLite: SQLiteConfig{
				Path:          "./data/sessions.db",
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"console"},
			FilePath:   "./logs/jobrelay.log",
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			Headless:       true,
			NoSandbox:      true,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			WindowWidth:    1366,
			WindowHeight:   768,
			StartupTimeout: "30s",
			MaxContexts:    1,
			LeaseTimeout:   "2m",
			LockDir:        "./data/locks",
			ActionTimeout:  "15s",
		},
		Site: SiteConfig{
			BaseURL:          "https://www.facebook.com",
			CookieDomain:     "facebook.com",
			IdentityArtifact: "c_user",
			SessionArtifact:  "xs",
		},
		Auth: AuthConfig{
			NavigationTimeout:     "30s",
			SettleDelay:           "2s",
			SubmitWait:            "4s",
			ChallengePollInterval: "10s",
			ChallengeMaxPolls:     30,
			KeyringService:        "jobrelay",
		},
		Posting: PostingConfig{
			NavigationTimeout:     "30s",
			NavigationRetries:     3,
			NavigationBackoff:     "5s",
			SettleDelay:           "5s",
			ProbeTimeout:          "3s",
			ComposerOpenDelay:     "2s",
			InputTimeout:          "10s",
			TypeDelay:             "30ms",
			SubmitTimeout:         "10s",
			SubmitFallbackTimeout: "5s",
			SubmitGrace:           "4s",
			VerifyTimeout:         "10s",
			PostInterval:          "10s",
			StaleAfter:            "15m",
		},
		Relay: RelayConfig{
			PublicBaseURL:  "http://localhost:8085",
			RedirectPath:   "/messenger-redirect",
			SessionTTL:     "24h",
			WebhookTimeout: "10s",
		},
		Scheduler: SchedulerConfig{
			PendingSchedule: "",
			SweepSchedule:   "*/15 * * * *",
			BatchLimit:      5,
			JobPause:        "10s",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards by ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies JOBRELAY_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("JOBRELAY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("JOBRELAY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("JOBRELAY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if apiKey := os.Getenv("JOBRELAY_API_KEY"); apiKey != "" {
		config.Server.APIKey = apiKey
	}

	// Storage
	if badgerPath := os.Getenv("JOBRELAY_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if sqlitePath := os.Getenv("JOBRELAY_SQLITE_PATH"); sqlitePath != "" {
		config.Storage.SQLite.Path = sqlitePath
	}

	// Logging
	if level := os.Getenv("JOBRELAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("JOBRELAY_LOG_OUTPUT"); output != "" {
		var outputs []string
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser
	if headless := os.Getenv("JOBRELAY_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if execPath := os.Getenv("JOBRELAY_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}
	if maxContexts := os.Getenv("JOBRELAY_BROWSER_MAX_CONTEXTS"); maxContexts != "" {
		if n, err := strconv.Atoi(maxContexts); err == nil && n > 0 {
			config.Browser.MaxContexts = n
		}
	}

	// Site
	if baseURL := os.Getenv("JOBRELAY_SITE_BASE_URL"); baseURL != "" {
		config.Site.BaseURL = baseURL
	}

	// Relay (secrets are normally supplied this way)
	if publicURL := os.Getenv("JOBRELAY_PUBLIC_BASE_URL"); publicURL != "" {
		config.Relay.PublicBaseURL = publicURL
	}
	if link := os.Getenv("JOBRELAY_MESSENGER_LINK"); link != "" {
		config.Relay.MessengerLink = link
	}
	if page := os.Getenv("JOBRELAY_MESSENGER_PAGE"); page != "" {
		config.Relay.MessengerPage = page
	}
	if webhookURL := os.Getenv("JOBRELAY_WEBHOOK_URL"); webhookURL != "" {
		config.Relay.WebhookURL = webhookURL
	}
	if verifyToken := os.Getenv("JOBRELAY_VERIFY_TOKEN"); verifyToken != "" {
		config.Relay.VerifyToken = verifyToken
	}
	if ttl := os.Getenv("JOBRELAY_SESSION_TTL"); ttl != "" {
		config.Relay.SessionTTL = ttl
	}

	// Scheduler
	if schedule := os.Getenv("JOBRELAY_PENDING_SCHEDULE"); schedule != "" {
		config.Scheduler.PendingSchedule = schedule
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that cannot fall back to a default
func (c *Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.Site.IdentityArtifact == "" || c.Site.SessionArtifact == "" {
		return fmt.Errorf("site.identity_artifact and site.session_artifact are required")
	}
	if _, err := c.Server.TrustedPrefixes(); err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	if c.Scheduler.PendingSchedule != "" {
		if err := ValidateSchedule(c.Scheduler.PendingSchedule); err != nil {
			return fmt.Errorf("scheduler.pending_schedule: %w", err)
		}
	}
	if c.Scheduler.SweepSchedule != "" {
		if err := ValidateSchedule(c.Scheduler.SweepSchedule); err != nil {
			return fmt.Errorf("scheduler.sweep_schedule: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}
	if strings.HasPrefix(minuteField, "*/") {
		interval, err := strconv.Atoi(strings.TrimPrefix(minuteField, "*/"))
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses a config duration string, returning fallback when empty or malformed
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
