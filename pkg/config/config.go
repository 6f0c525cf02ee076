// Package config loads runtime settings from the environment (optionally via
// .env) and an optional YAML file for bot strategy defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BotDefaults are the strategy parameters applied when a user has no
// explicit per-user settings.
type BotDefaults struct {
	ShortEMAPeriod    int     `yaml:"short_ema_period"`
	LongEMAPeriod     int     `yaml:"long_ema_period"`
	Timeframe         string  `yaml:"timeframe"`
	HistoryLimit      int     `yaml:"history_limit"`
	OrderSizeUSDT     float64 `yaml:"order_size_usdt"`
	Leverage          int     `yaml:"leverage"`
	StopLossPercent   float64 `yaml:"stop_loss_percent"`
	ReconnectDelaySec int     `yaml:"reconnect_delay_sec"`
}

// Config holds environment-driven settings for the bot runtime.
type Config struct {
	Port      string
	DBPath    string
	JWTSecret string

	// ReapInterval controls how often the registry sweeps dead units.
	ReapInterval time.Duration
	// ShutdownTimeout bounds StopAll during process shutdown.
	ShutdownTimeout time.Duration

	Bot BotDefaults
}

// Load reads environment variables (optionally via .env) into Config, then
// overlays bot defaults from BOT_SETTINGS_PATH when the file exists.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		DBPath:          getEnv("DB_PATH", "./data/botcore.db"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		ReapInterval:    time.Duration(getEnvInt("REAP_INTERVAL_SEC", 30)) * time.Second,
		ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SEC", 15)) * time.Second,
		Bot: BotDefaults{
			ShortEMAPeriod:    getEnvInt("SHORT_EMA_PERIOD", 12),
			LongEMAPeriod:     getEnvInt("LONG_EMA_PERIOD", 26),
			Timeframe:         getEnv("TIMEFRAME", "15m"),
			HistoryLimit:      getEnvInt("HISTORY_LIMIT", 50),
			OrderSizeUSDT:     getEnvFloat("ORDER_SIZE_USDT", 25.0),
			Leverage:          getEnvInt("LEVERAGE", 10),
			StopLossPercent:   getEnvFloat("STOP_LOSS_PERCENT", 4.0),
			ReconnectDelaySec: getEnvInt("RECONNECT_DELAY_SEC", 5),
		},
	}

	if path := os.Getenv("BOT_SETTINGS_PATH"); path != "" {
		if err := cfg.loadBotSettings(path); err != nil {
			return nil, err
		}
	}

	if cfg.Bot.ShortEMAPeriod >= cfg.Bot.LongEMAPeriod {
		return nil, fmt.Errorf("short EMA period (%d) must be below long EMA period (%d)",
			cfg.Bot.ShortEMAPeriod, cfg.Bot.LongEMAPeriod)
	}
	if cfg.Bot.HistoryLimit <= cfg.Bot.LongEMAPeriod {
		return nil, fmt.Errorf("history limit (%d) must exceed long EMA period (%d)",
			cfg.Bot.HistoryLimit, cfg.Bot.LongEMAPeriod)
	}
	return cfg, nil
}

func (c *Config) loadBotSettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read bot settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.Bot); err != nil {
		return fmt.Errorf("parse bot settings %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
