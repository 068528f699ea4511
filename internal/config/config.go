package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatbridge.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Dedup      DedupConfig      `json:"dedup" yaml:"dedup"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	Assistant  AssistantConfig  `json:"assistant" yaml:"assistant"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

type ServerConfig struct {
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port" yaml:"port"`
	APIKey            string `json:"apiKey" yaml:"apiKey"`
	WebhookSecret     string `json:"webhookSecret" yaml:"webhookSecret"`
	StreamPingSeconds int    `json:"streamPingSeconds" yaml:"streamPingSeconds"`
	EventHistory      int    `json:"eventHistory" yaml:"eventHistory"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the record store. "pocketbase" talks to a remote
// PocketBase; "sqlite" keeps everything in a local file.
type StoreConfig struct {
	Backend        string `json:"backend" yaml:"backend"`
	URL            string `json:"url" yaml:"url"`
	Identity       string `json:"identity" yaml:"identity"`
	Password       string `json:"password" yaml:"password"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	DBPath         string `json:"dbPath" yaml:"dbPath"`
}

type DedupConfig struct {
	Backend       string      `json:"backend" yaml:"backend"` // "memory" | "redis"
	TTLSeconds    int         `json:"ttlSeconds" yaml:"ttlSeconds"`
	SweepSchedule string      `json:"sweepSchedule" yaml:"sweepSchedule"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type TelegramConfig struct {
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Token       string         `json:"token" yaml:"token"`
	APIEndpoint string         `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
	AllowFrom   FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode   string         `json:"parseMode" yaml:"parseMode"`
	PollTimeout int            `json:"pollTimeout" yaml:"pollTimeout"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML takes every scalar of a sequence verbatim, so unquoted
// numeric ids stay strings.
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", node.Line)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expected a scalar", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

type AggregatorConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	Token          string `json:"token" yaml:"token"`
	BotAgentID     string `json:"botAgentId" yaml:"botAgentId"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type AssistantConfig struct {
	APIKey             string  `json:"apiKey" yaml:"apiKey"`
	APIBase            string  `json:"apiBase" yaml:"apiBase"`
	AssistantID        string  `json:"assistantId" yaml:"assistantId"`
	VisionModel        string  `json:"visionModel" yaml:"visionModel"`
	VisionPrompt       string  `json:"visionPrompt,omitempty" yaml:"visionPrompt,omitempty"`
	TranscribeModel    string  `json:"transcribeModel" yaml:"transcribeModel"`
	Language           string  `json:"language,omitempty" yaml:"language,omitempty"`
	TimeoutSeconds     int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	PollIntervalMillis int     `json:"pollIntervalMillis" yaml:"pollIntervalMillis"`
	PollTimeoutSeconds int     `json:"pollTimeoutSeconds" yaml:"pollTimeoutSeconds"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`
	MaxBurst           int     `json:"maxBurst" yaml:"maxBurst"`
	FFmpegPath         string  `json:"ffmpegPath" yaml:"ffmpegPath"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" | "json"
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.StreamPingSeconds < 1 {
		errs = append(errs, "server.streamPingSeconds must be >= 1")
	}

	switch cfg.Store.Backend {
	case "pocketbase":
		if u, err := url.Parse(cfg.Store.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "store.url must be an absolute URL for the pocketbase backend")
		}
		if cfg.Store.Identity == "" || cfg.Store.Password == "" {
			errs = append(errs, "store.identity and store.password are required for the pocketbase backend")
		}
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite backend")
		}
	default:
		errs = append(errs, "store.backend must be one of: pocketbase, sqlite")
	}

	switch cfg.Dedup.Backend {
	case "memory":
		if _, err := cron.ParseStandard(cfg.Dedup.SweepSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("dedup.sweepSchedule is invalid: %v", err))
		}
	case "redis":
		if cfg.Dedup.Redis.Addr == "" {
			errs = append(errs, "dedup.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "dedup.backend must be one of: memory, redis")
	}
	if cfg.Dedup.TTLSeconds < 1 {
		errs = append(errs, "dedup.ttlSeconds must be >= 1")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}
	if cfg.Aggregator.Enabled {
		if cfg.Aggregator.BaseURL == "" || cfg.Aggregator.Token == "" {
			errs = append(errs, "aggregator.baseUrl and aggregator.token are required when the aggregator is enabled")
		}
		if cfg.Server.WebhookSecret == "" {
			errs = append(errs, "server.webhookSecret is required when the aggregator is enabled")
		}
	}

	if cfg.Assistant.APIKey == "" || cfg.Assistant.AssistantID == "" {
		errs = append(errs, "assistant.apiKey and assistant.assistantId are required")
	}
	if cfg.Assistant.PollIntervalMillis < 1 {
		errs = append(errs, "assistant.pollIntervalMillis must be >= 1")
	}
	if cfg.Assistant.PollTimeoutSeconds < 1 {
		errs = append(errs, "assistant.pollTimeoutSeconds must be >= 1")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
