// Package cfg holds the application flags for the tradewatch server.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Extractor kinds.
const (
	ExtractorEmbed   = "embed"
	ExtractorPattern = "pattern"
)

// Vision providers.
const (
	VisionNone   = "none"
	VisionClaude = "claude"
	VisionOpenAI = "openai"
)

// DefaultCatalogURL is the public item-details endpoint.
const DefaultCatalogURL = "https://www.rolimons.com/itemapi/itemdetails"

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	OperatorToken         string

	CatalogURL                string
	CatalogFile               string
	CatalogRefreshMinutes     int
	CatalogLoadTimeoutSeconds int
	ValueThreshold            int64
	RoutesFile                string

	BridgeURL            string
	BridgeToken          string
	PrimaryCommand       string
	PrimaryExtractor     string
	SecondaryCommand     string
	SecondaryExtractor   string
	PatternIDRegex       string
	PatternKeyRegex      string
	DispatchPerSecond    float64
	DispatchBurst        int
	PendingTTLSeconds    int
	SweepIntervalSeconds int

	InventoryURL      string
	ThumbnailURL      string
	InventoryMaxPages int

	VisionProvider string
	ClaudeAPIKey   string
	ClaudeModel    string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string

	DiscordMainWebhookURL  string
	DiscordValidWebhookURL string
	SlackWebhookURL        string

	DatabaseURL     string
	SeedWindowHours int
	SeedLimit       int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token the transport bridge uses for /api/v1")
	fs.StringVar(&c.OperatorToken, "operator-token", "", "optional second bearer token for operators")

	fs.StringVar(&c.CatalogURL, "catalog-url", DefaultCatalogURL, "item-details API URL")
	fs.StringVar(&c.CatalogFile, "catalog-file", "", "load the catalog from a local JSON file instead of catalog-url")
	fs.IntVar(&c.CatalogRefreshMinutes, "catalog-refresh-minutes", 30, "catalog refresh interval in minutes (1..1440)")
	fs.IntVar(&c.CatalogLoadTimeoutSeconds, "catalog-load-timeout-seconds", 120, "give up on the cold-start catalog load after this many seconds")
	fs.Int64Var(&c.ValueThreshold, "value-threshold", 100000, "alert value threshold")
	fs.StringVar(&c.RoutesFile, "routes-file", "", "YAML file mapping source channels to lookup queues")

	fs.StringVar(&c.BridgeURL, "bridge-url", "", "transport bridge endpoint that executes lookup commands")
	fs.StringVar(&c.BridgeToken, "bridge-token", "", "bearer token sent to the bridge")
	fs.StringVar(&c.PrimaryCommand, "primary-command", "roblox", "lookup command for the primary strategy")
	fs.StringVar(&c.PrimaryExtractor, "primary-extractor", ExtractorEmbed, "reply extractor for the primary strategy (embed|pattern)")
	fs.StringVar(&c.SecondaryCommand, "secondary-command", "", "lookup command for the secondary strategy (empty = disabled)")
	fs.StringVar(&c.SecondaryExtractor, "secondary-extractor", ExtractorPattern, "reply extractor for the secondary strategy (embed|pattern)")
	fs.StringVar(&c.PatternIDRegex, "pattern-id-regex", `roblox\.com/users/(\d+)`, "pattern extractor: regex capturing the external id")
	fs.StringVar(&c.PatternKeyRegex, "pattern-key-regex", "", "pattern extractor: optional regex capturing the subject key")
	fs.Float64Var(&c.DispatchPerSecond, "dispatch-per-second", 1, "lookup commands per second across all strategies")
	fs.IntVar(&c.DispatchBurst, "dispatch-burst", 3, "lookup command burst")
	fs.IntVar(&c.PendingTTLSeconds, "pending-ttl-seconds", 600, "seconds before an unanswered lookup falls back (0 = never)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 30, "how often pending lookups are checked for expiry")

	fs.StringVar(&c.InventoryURL, "inventory-url", "", "inventory API base URL (empty = default)")
	fs.StringVar(&c.ThumbnailURL, "thumbnail-url", "", "thumbnail API base URL (empty = default)")
	fs.IntVar(&c.InventoryMaxPages, "inventory-max-pages", 50, "maximum collectibles pages walked per valuation")

	fs.StringVar(&c.VisionProvider, "vision-provider", VisionClaude, "vision provider (claude|openai|none)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude vision provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI vision provider")
	fs.StringVar(&c.OpenAIModel, "openai-model", "gpt-4o", "OpenAI model to use")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "OpenAI-compatible base URL (empty = api.openai.com)")

	fs.StringVar(&c.DiscordMainWebhookURL, "discord-main-webhook-url", "", "Discord webhook receiving lookup alerts")
	fs.StringVar(&c.DiscordValidWebhookURL, "discord-valid-webhook-url", "", "Discord webhook receiving every alert")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.SeedWindowHours, "seed-window-hours", 168, "seed the dedup ledger from resolutions completed within this window (0 = off)")
	fs.IntVar(&c.SeedLimit, "seed-limit", 1000, "maximum resolutions read when seeding")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// The API is only reachable with a token
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Catalog
	if c.CatalogFile == "" {
		if err := checkURL("CATALOG_URL", c.CatalogURL, true); err != nil {
			errs = append(errs, err)
		}
	}
	if c.CatalogRefreshMinutes <= 0 || c.CatalogRefreshMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid CATALOG_REFRESH_MINUTES %d (must be 1..1440)", c.CatalogRefreshMinutes))
	}
	if c.CatalogLoadTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid CATALOG_LOAD_TIMEOUT_SECONDS %d (must be > 0)", c.CatalogLoadTimeoutSeconds))
	}
	if c.RoutesFile == "" {
		errs = append(errs, errors.New("ROUTES_FILE is required"))
	}
	if c.ValueThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid VALUE_THRESHOLD %d (must be > 0)", c.ValueThreshold))
	}

	// Lookup dispatch
	if err := checkURL("BRIDGE_URL", c.BridgeURL, true); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.PrimaryCommand) == "" {
		errs = append(errs, errors.New("PRIMARY_COMMAND is required"))
	}
	if err := checkExtractor("PRIMARY_EXTRACTOR", c.PrimaryExtractor); err != nil {
		errs = append(errs, err)
	}
	if c.SecondaryCommand != "" {
		if err := checkExtractor("SECONDARY_EXTRACTOR", c.SecondaryExtractor); err != nil {
			errs = append(errs, err)
		}
	}
	if c.usesPattern() && c.PatternIDRegex == "" {
		errs = append(errs, errors.New("PATTERN_ID_REGEX is required by the pattern extractor"))
	}
	if c.DispatchPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_PER_SECOND %g (must be > 0)", c.DispatchPerSecond))
	}
	if c.DispatchBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_BURST %d (must be > 0)", c.DispatchBurst))
	}
	if c.PendingTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("invalid PENDING_TTL_SECONDS %d (must be >= 0)", c.PendingTTLSeconds))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be > 0)", c.SweepIntervalSeconds))
	}

	// Enrichment
	for name, v := range map[string]string{"INVENTORY_URL": c.InventoryURL, "THUMBNAIL_URL": c.ThumbnailURL} {
		if err := checkURL(name, v, false); err != nil {
			errs = append(errs, err)
		}
	}
	if c.InventoryMaxPages <= 0 {
		errs = append(errs, fmt.Errorf("invalid INVENTORY_MAX_PAGES %d (must be > 0)", c.InventoryMaxPages))
	}

	// Vision provider needs its key and model
	switch c.VisionProvider {
	case VisionNone:
	case VisionClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for vision-provider=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required"))
		}
	case VisionOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for vision-provider=openai"))
		}
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid VISION_PROVIDER %q (must be claude, openai or none)", c.VisionProvider))
	}

	// Alert sinks
	for name, v := range map[string]string{
		"DISCORD_MAIN_WEBHOOK_URL":  c.DiscordMainWebhookURL,
		"DISCORD_VALID_WEBHOOK_URL": c.DiscordValidWebhookURL,
		"SLACK_WEBHOOK_URL":         c.SlackWebhookURL,
	} {
		if err := checkURL(name, v, false); err != nil {
			errs = append(errs, err)
		}
	}

	// Ledger seeding
	if c.SeedWindowHours < 0 {
		errs = append(errs, fmt.Errorf("invalid SEED_WINDOW_HOURS %d (must be >= 0)", c.SeedWindowHours))
	}
	if c.SeedLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid SEED_LIMIT %d (must be > 0)", c.SeedLimit))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PendingTTL is how long a lookup may stay unanswered.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// SweepInterval is the expiry sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// CatalogRefresh is the catalog refresh period.
func (c *Config) CatalogRefresh() time.Duration {
	return time.Duration(c.CatalogRefreshMinutes) * time.Minute
}

// SeedWindow is how far back ledger seeding reads.
func (c *Config) SeedWindow() time.Duration {
	return time.Duration(c.SeedWindowHours) * time.Hour
}

func (c *Config) usesPattern() bool {
	return c.PrimaryExtractor == ExtractorPattern ||
		(c.SecondaryCommand != "" && c.SecondaryExtractor == ExtractorPattern)
}

func checkExtractor(name, v string) error {
	if v != ExtractorEmbed && v != ExtractorPattern {
		return fmt.Errorf("invalid %s %q (must be embed or pattern)", name, v)
	}
	return nil
}

func checkURL(name, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q (must be an http(s) URL)", name, v)
	}
	return nil
}
