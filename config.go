package main

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process-level configuration: credentials and fixed channel
// wiring. Runtime-tunable tracking settings live in RuntimeConfig.
type Config struct {
	DiscordToken string `yaml:"discord_token"`

	ServiceAccountEmail string `yaml:"service_account_email"`
	ServiceAccountKey   string `yaml:"service_account_key"`

	DefaultSpreadsheetID string `yaml:"default_spreadsheet_id"`
	DefaultSheetName     string `yaml:"default_sheet_name"`

	CommandChannelID string `yaml:"command_channel_id"`
	DutyLogChannelID string `yaml:"duty_log_channel_id"`
	ReportChannelID  string `yaml:"report_channel_id"`

	SettingsPath    string `yaml:"settings_path"`
	JournalPath     string `yaml:"journal_path"`
	RecountSchedule string `yaml:"recount_schedule"`
}

func LoadConfig() Config {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Error loading .env file: %v", err)
		}
	}

	var cfg Config

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.DiscordToken, "DISCORD_TOKEN")
	envOverride(&cfg.ServiceAccountEmail, "SERVICE_ACCOUNT_EMAIL")
	envOverride(&cfg.ServiceAccountKey, "SERVICE_ACCOUNT_KEY")
	envOverride(&cfg.DefaultSpreadsheetID, "SPREADSHEET_ID")
	envOverride(&cfg.DefaultSheetName, "SHEET_NAME")
	envOverride(&cfg.CommandChannelID, "COMMAND_CHANNEL_ID")
	envOverride(&cfg.DutyLogChannelID, "LOG_CHANNEL_ID")
	envOverride(&cfg.ReportChannelID, "REPORT_CHANNEL_ID")
	envOverride(&cfg.SettingsPath, "SETTINGS_PATH")
	envOverride(&cfg.JournalPath, "JOURNAL_PATH")
	envOverride(&cfg.RecountSchedule, "RECOUNT_SCHEDULE")

	// Defaults
	if cfg.DefaultSheetName == "" {
		cfg.DefaultSheetName = "Sheet1"
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "./settings.json"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "./dutybot.db"
	}

	// Validate required fields
	required := map[string]string{
		"discord_token":         cfg.DiscordToken,
		"service_account_email": cfg.ServiceAccountEmail,
		"service_account_key":   cfg.ServiceAccountKey,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

// RuntimeConfig is the tracking configuration tunable through the settings
// form: which spreadsheet, which sheet, which channels, and the pacing
// delays. It is persisted as one flat JSON object, rewritten in full on
// every save.
type RuntimeConfig struct {
	SpreadsheetID string   `json:"SPREADSHEET_ID"`
	SheetName     string   `json:"SHEET_NAME"`
	ChannelIDs    []string `json:"CHANNEL_IDS"`
	BatchDelayMS  int      `json:"BATCH_DELAY"`
	UpdateDelayMS int      `json:"UPDATE_DELAY"`
}

const maxTrackedChannels = 3

func (rt RuntimeConfig) BatchDelay() time.Duration {
	return time.Duration(rt.BatchDelayMS) * time.Millisecond
}

func (rt RuntimeConfig) UpdateDelay() time.Duration {
	return time.Duration(rt.UpdateDelayMS) * time.Millisecond
}

// Complete reports whether a sweep can start with this configuration.
func (rt RuntimeConfig) Complete() bool {
	return rt.SpreadsheetID != "" && rt.SheetName != "" && len(rt.ChannelIDs) > 0
}

func defaultRuntimeConfig(cfg Config) RuntimeConfig {
	return RuntimeConfig{
		SpreadsheetID: cfg.DefaultSpreadsheetID,
		SheetName:     cfg.DefaultSheetName,
		BatchDelayMS:  1000,
		UpdateDelayMS: 2000,
	}
}

// SettingsStore owns the runtime configuration and its backing file.
type SettingsStore struct {
	path string

	mu  sync.Mutex
	cur RuntimeConfig
}

// LoadSettings reads the settings file, falling back to environment-derived
// defaults when the file is missing or malformed.
func LoadSettings(cfg Config) *SettingsStore {
	store := &SettingsStore{path: cfg.SettingsPath, cur: defaultRuntimeConfig(cfg)}

	data, err := os.ReadFile(cfg.SettingsPath)
	if err != nil {
		log.Printf("settings: %s not readable, using defaults: %v", cfg.SettingsPath, err)
		return store
	}
	var rt RuntimeConfig
	if err := json.Unmarshal(data, &rt); err != nil {
		log.Printf("settings: %s malformed, using defaults: %v", cfg.SettingsPath, err)
		return store
	}
	if rt.BatchDelayMS <= 0 {
		rt.BatchDelayMS = store.cur.BatchDelayMS
	}
	if rt.UpdateDelayMS <= 0 {
		rt.UpdateDelayMS = store.cur.UpdateDelayMS
	}
	store.cur = rt
	log.Printf("settings: loaded from %s (channels=%d)", cfg.SettingsPath, len(rt.ChannelIDs))
	return store
}

// Current returns a copy of the active runtime configuration.
func (s *SettingsStore) Current() RuntimeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.cur
	rt.ChannelIDs = append([]string(nil), s.cur.ChannelIDs...)
	return rt
}

// Save replaces the active configuration and rewrites the settings file in
// full.
func (s *SettingsStore) Save(rt RuntimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(rt, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}
	s.cur = rt
	return nil
}

// parseChannelIDs splits a comma-separated channel id list, keeping at most
// maxTrackedChannels valid ids. Invalid tokens are dropped individually
// rather than rejecting the whole submission.
func parseChannelIDs(raw string) []string {
	var ids []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if !isLikelyChannelID(token) {
			log.Printf("settings: dropping invalid channel id %q", token)
			continue
		}
		ids = append(ids, token)
		if len(ids) == maxTrackedChannels {
			break
		}
	}
	return ids
}

// isLikelyChannelID reports whether a token looks like a Discord snowflake:
// purely numeric and longer than 10 characters.
func isLikelyChannelID(val string) bool {
	if len(val) <= 10 {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
