package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// SystemSettings are the process-wide, non-preset settings spec §6 calls
// out separately from TradingPreset ("system-wide settings").
type SystemSettings struct {
	TradingMode        string  `mapstructure:"trading_mode"`
	PaperStartingBalance float64 `mapstructure:"paper_starting_balance"`
	PaperSlippageBps   float64 `mapstructure:"paper_slippage_bps"`
	ExchangeAPIKey     string  `mapstructure:"exchange_api_key"`
	ExchangeAPISecret  string  `mapstructure:"exchange_api_secret"`
	LogLevel           string  `mapstructure:"log_level"`
	DatabaseURL        string  `mapstructure:"database_url"`
}

// LoadSystemSettings reads process settings from an optional config file
// (viper, any of yaml/json/toml) layered under environment variables, the
// same precedence the teacher's cmd/server/main.go establishes.
func LoadSystemSettings(configPath string) (*SystemSettings, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	v := viper.New()
	v.SetDefault("trading_mode", "paper")
	v.SetDefault("paper_starting_balance", 100000.0)
	v.SetDefault("paper_slippage_bps", 2.0)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read system config: %w", err)
		}
	}

	var s SystemSettings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal system settings: %w", err)
	}
	return &s, nil
}

// LoadPreset reads a TradingPreset from a YAML file and validates it.
// Unknown top-level fields produce a warning string (not an error) per
// spec §6 ("unknown fields cause a warning but do not fail").
func LoadPreset(path string) (*TradingPreset, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read preset %s: %w", path, err)
	}

	var preset TradingPreset
	if err := yaml.Unmarshal(raw, &preset); err != nil {
		return nil, nil, fmt.Errorf("parse preset %s: %w", path, err)
	}

	warnings := unknownFieldWarnings(raw)

	if err := preset.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("invalid preset %s: %w", path, err)
	}
	return &preset, warnings, nil
}

// SavePreset serializes a preset back to YAML (round-trip per spec §8).
func SavePreset(path string, preset *TradingPreset) error {
	out, err := yaml.Marshal(preset)
	if err != nil {
		return fmt.Errorf("marshal preset: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

var knownTopLevelFields = map[string]bool{
	"name": true, "risk": true, "liquidity_filters": true, "volatility_filters": true,
	"signal_config": true, "position_config": true, "scanner_config": true,
	"execution_config": true, "strategy_priority": true,
}

func unknownFieldWarnings(raw []byte) []string {
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil
	}
	var warnings []string
	for k := range m {
		if !knownTopLevelFields[k] {
			warnings = append(warnings, fmt.Sprintf("unknown preset field %q ignored", k))
		}
	}
	return warnings
}
