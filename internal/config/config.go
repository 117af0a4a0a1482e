package config

import (
	"github.com/spf13/viper"
)

// Config holds process-wide settings (in-memory representation).
// Values come from environment variables; see Load.
type Config struct {
	UseMockStore bool   `mapstructure:"use_mock_store"`
	DBPath       string `mapstructure:"db_path"`

	// Scraping.
	ScrapeMode       string `mapstructure:"scrape_mode"` // FAST_GRID | FULL_GRID | AIRPORT_QUOTE
	ScrapeHour       int    `mapstructure:"scrape_hour"`
	ScrapeMinute     int    `mapstructure:"scrape_minute"`
	ScrapeFanout     int    `mapstructure:"scrape_fanout"`
	LiteRefreshOn    bool   `mapstructure:"lite_refresh_enabled"`
	LiteRefreshHours int    `mapstructure:"lite_refresh_interval_hours"`

	// Quote cache.
	PricingCacheEnabled    bool `mapstructure:"pricing_cache_enabled"`
	PricingCacheTTLMinutes int  `mapstructure:"pricing_cache_ttl_minutes"`

	// Admin endpoints.
	CronSecret string `mapstructure:"cron_secret"`

	// Local timezone for schedules and weekend/late-night rules.
	Timezone string `mapstructure:"timezone"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath:                 "pricing.db",
		ScrapeMode:             "FAST_GRID",
		ScrapeHour:             3,
		ScrapeMinute:           0,
		ScrapeFanout:           3,
		LiteRefreshOn:          true,
		LiteRefreshHours:       6,
		PricingCacheEnabled:    true,
		PricingCacheTTLMinutes: 30,
		Timezone:               "Asia/Riyadh",
	}
}

// Load reads configuration from environment variables on top of defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("use_mock_store", false)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("scrape_mode", def.ScrapeMode)
	v.SetDefault("scrape_hour", def.ScrapeHour)
	v.SetDefault("scrape_minute", def.ScrapeMinute)
	v.SetDefault("scrape_fanout", def.ScrapeFanout)
	v.SetDefault("lite_refresh_enabled", def.LiteRefreshOn)
	v.SetDefault("lite_refresh_interval_hours", def.LiteRefreshHours)
	v.SetDefault("pricing_cache_enabled", def.PricingCacheEnabled)
	v.SetDefault("pricing_cache_ttl_minutes", def.PricingCacheTTLMinutes)
	v.SetDefault("cron_secret", "")
	v.SetDefault("timezone", def.Timezone)

	// Environment names per the ops runbook.
	v.BindEnv("use_mock_store", "USE_MOCK_STORE")
	v.BindEnv("db_path", "DB_PATH")
	v.BindEnv("scrape_mode", "SCRAPE_MODE")
	v.BindEnv("scrape_hour", "SCRAPE_HOUR")
	v.BindEnv("scrape_minute", "SCRAPE_MINUTE")
	v.BindEnv("scrape_fanout", "SCRAPE_FANOUT")
	v.BindEnv("lite_refresh_enabled", "LITE_REFRESH_ENABLED")
	v.BindEnv("lite_refresh_interval_hours", "LITE_REFRESH_INTERVAL_HOURS")
	v.BindEnv("pricing_cache_enabled", "PRICING_CACHE_ENABLED")
	v.BindEnv("pricing_cache_ttl_minutes", "PRICING_CACHE_TTL_MINUTES")
	v.BindEnv("cron_secret", "CRON_SECRET")
	v.BindEnv("timezone", "TIMEZONE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	switch cfg.ScrapeMode {
	case "FAST_GRID", "FULL_GRID", "AIRPORT_QUOTE":
	default:
		cfg.ScrapeMode = "FAST_GRID"
	}
	if cfg.ScrapeFanout < 1 {
		cfg.ScrapeFanout = 1
	}
	return cfg, nil
}
