package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAssistantName    = "Kasumi"
	DefaultModel            = "gpt-3.5-turbo"
	DefaultMaxTokens        = 1024
	DefaultTemperature      = 0.4
	DefaultProviderType     = "openai"
	DefaultMaxRetries       = 1
	DefaultQuietWindow      = "5s"
	DefaultMinMessages      = 10
	DefaultTokenBudget      = 3000
	DefaultCompactSchedule  = "@every 5m"
	DefaultInboundLang      = "en"
	DefaultOutboundLang     = "RU"
	DefaultDeepLURL         = "https://api-free.deepl.com/v2/translate"
	DefaultGoogleURL        = "https://translate.google.com/translate_a/single?client=at&dt=t&dj=1"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18791
	DefaultWebUIPort        = 18792
	DefaultBufSize          = 100
	defaultConfigDirName    = ".kasumi"
	defaultConfigFileName   = "config.json"
	defaultDatabaseFileName = "kasumi.db"
)

type Config struct {
	Assistant   AssistantConfig   `json:"assistant"`
	Provider    ProviderConfig    `json:"provider"`
	Relay       RelayConfig       `json:"relay"`
	Compaction  CompactionConfig  `json:"compaction"`
	Translation TranslationConfig `json:"translation"`
	Channels    ChannelsConfig    `json:"channels"`
	Store       StoreConfig       `json:"store"`
	Gateway     GatewayConfig     `json:"gateway"`
}

type AssistantConfig struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	PromptsFile string  `json:"promptsFile,omitempty"`
}

type ProviderConfig struct {
	Type       string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

type RelayConfig struct {
	QuietWindow string `json:"quietWindow,omitempty"`
	MinMessages int    `json:"minMessages,omitempty"`
	TokenBudget int    `json:"tokenBudget,omitempty"`
}

type CompactionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

type TranslationConfig struct {
	Enabled      bool   `json:"enabled"`
	InboundLang  string `json:"inboundLang,omitempty"`
	OutboundLang string `json:"outboundLang,omitempty"`
	DeepLKey     string `json:"deeplKey,omitempty"`
	DeepLURL     string `json:"deeplUrl,omitempty"`
	GoogleURL    string `json:"googleUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	Port      int      `json:"port,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:        DefaultAssistantName,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Provider: ProviderConfig{
			Type:       DefaultProviderType,
			MaxRetries: DefaultMaxRetries,
		},
		Relay: RelayConfig{
			QuietWindow: DefaultQuietWindow,
			MinMessages: DefaultMinMessages,
			TokenBudget: DefaultTokenBudget,
		},
		Compaction: CompactionConfig{
			Enabled:  true,
			Schedule: DefaultCompactSchedule,
		},
		Translation: TranslationConfig{
			Enabled:      false,
			InboundLang:  DefaultInboundLang,
			OutboundLang: DefaultOutboundLang,
			DeepLURL:     DefaultDeepLURL,
			GoogleURL:    DefaultGoogleURL,
		},
		Channels: ChannelsConfig{
			WebUI: WebUIConfig{Port: DefaultWebUIPort},
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("KASUMI_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, defaultConfigDirName)
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), defaultConfigFileName)
}

// DatabasePath returns the configured SQLite path or the default one under ConfigDir.
func (c *Config) DatabasePath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", defaultDatabaseFileName)
}

// CronStatePath is where the scheduler records job runs, next to the database.
func (c *Config) CronStatePath() string {
	return filepath.Join(filepath.Dir(c.DatabasePath()), "cron.json")
}

// QuietWindow parses Relay.QuietWindow, falling back to the default on bad input.
func (c *Config) QuietWindow() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(c.Relay.QuietWindow)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultQuietWindow)
	return d
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("KASUMI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		cfg.Provider.Type = "anthropic"
	}
	if url := os.Getenv("KASUMI_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("KASUMI_MODEL"); model != "" {
		cfg.Assistant.Model = model
	}
	if token := os.Getenv("KASUMI_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("KASUMI_DEEPL_KEY"); key != "" {
		cfg.Translation.DeepLKey = key
	}
	if enabled := os.Getenv("KASUMI_TRANSLATE_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Translation.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("KASUMI_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if quiet := os.Getenv("KASUMI_QUIET_WINDOW"); quiet != "" {
		cfg.Relay.QuietWindow = quiet
	}
	if budget := os.Getenv("KASUMI_TOKEN_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil {
			cfg.Relay.TokenBudget = parsed
		}
	}
	if schedule := os.Getenv("KASUMI_COMPACT_SCHEDULE"); schedule != "" {
		cfg.Compaction.Schedule = schedule
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Assistant.Name) == "" {
		cfg.Assistant.Name = DefaultAssistantName
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = DefaultModel
	}
	if cfg.Assistant.MaxTokens <= 0 {
		cfg.Assistant.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Relay.QuietWindow == "" {
		cfg.Relay.QuietWindow = DefaultQuietWindow
	}
	if cfg.Relay.MinMessages <= 0 {
		cfg.Relay.MinMessages = DefaultMinMessages
	}
	if cfg.Relay.TokenBudget <= 0 {
		cfg.Relay.TokenBudget = DefaultTokenBudget
	}
	if cfg.Compaction.Schedule == "" {
		cfg.Compaction.Schedule = DefaultCompactSchedule
	}
	if cfg.Translation.InboundLang == "" {
		cfg.Translation.InboundLang = DefaultInboundLang
	}
	if cfg.Translation.OutboundLang == "" {
		cfg.Translation.OutboundLang = DefaultOutboundLang
	}
	if cfg.Translation.DeepLURL == "" {
		cfg.Translation.DeepLURL = DefaultDeepLURL
	}
	if cfg.Translation.GoogleURL == "" {
		cfg.Translation.GoogleURL = DefaultGoogleURL
	}
	if cfg.Channels.WebUI.Port == 0 {
		cfg.Channels.WebUI.Port = DefaultWebUIPort
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
