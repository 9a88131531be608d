// Package config provides YAML-based configuration loading for the secretary bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bot configuration, loaded from secretary.yaml.
type Config struct {
	Platform  string          `yaml:"platform" validate:"oneof=lineworks slack discord console"`
	LineWorks LineWorksConfig `yaml:"lineworks"`
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Assistant AssistantConfig `yaml:"assistant"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Invoice   InvoiceConfig   `yaml:"invoice"`
	Keywords  KeywordsConfig  `yaml:"keywords"`
	Commands  []CommandConfig `yaml:"commands" validate:"dive"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LineWorksConfig holds LINE WORKS bot credentials.
type LineWorksConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	ServiceAccount string `yaml:"service_account"`
	PrivateKeyPath string `yaml:"private_key_path"`
	BotID          string `yaml:"bot_id"`
	BotSecret      string `yaml:"bot_secret"`
	APIBase        string `yaml:"api_base" validate:"omitempty,url"`
	AuthURL        string `yaml:"auth_url" validate:"omitempty,url"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// HTTPConfig configures the webhook and download server.
type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	PublicURL    string `yaml:"public_url" validate:"omitempty,url"`
	KeepaliveURL string `yaml:"keepalive_url" validate:"omitempty,url"`
}

// DatabaseConfig selects the audit database.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite mysql"`
	DSN    string `yaml:"dsn"`
}

// StoreConfig selects the flow state backend.
type StoreConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisURL    string        `yaml:"redis_url"`
	Prefix      string        `yaml:"prefix"`
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`
}

// AssistantConfig configures the AI fallback.
type AssistantConfig struct {
	Provider          string        `yaml:"provider" validate:"oneof=gemini anthropic openai ollama none"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	MaxTokens         int           `yaml:"max_tokens" validate:"gte=0"`
	Persona           string        `yaml:"persona"`
	SharedContextPath string        `yaml:"shared_context_path"`
	SessionTTL        time.Duration `yaml:"session_ttl" validate:"gte=0"`
	History           bool          `yaml:"history"`
}

// JobsConfig describes the external generation programs and their directories.
type JobsConfig struct {
	Python        string            `yaml:"python"`
	ScriptDir     string            `yaml:"script_dir"`
	ReceiptScript string            `yaml:"receipt_script"`
	ManualScript  string            `yaml:"manual_script"`
	PickScript    string            `yaml:"pick_script"`
	InputDir      string            `yaml:"input_dir"`
	OutputDir     string            `yaml:"output_dir"`
	OrdersDir     string            `yaml:"orders_dir"`
	Timeout       time.Duration     `yaml:"timeout" validate:"gte=0"`
	Env           map[string]string `yaml:"env"`
}

// InvoiceConfig holds the static invoice tables.
type InvoiceConfig struct {
	PickDestinations []DestinationConfig `yaml:"pick_destinations" validate:"dive"`
	PickUnitPrice    int                 `yaml:"pick_unit_price" validate:"gte=0"`
	PickMarker       string              `yaml:"pick_marker"`
}

// DestinationConfig maps a numeric pick code to a company name.
type DestinationConfig struct {
	Code  string `yaml:"code" validate:"required,numeric"`
	Name  string `yaml:"name" validate:"required"`
	Short string `yaml:"short"`
}

// KeywordsConfig lists the exact-match keywords for each control word and trigger.
type KeywordsConfig struct {
	Cancel        []string `yaml:"cancel"`
	Back          []string `yaml:"back"`
	ManualInvoice []string `yaml:"manual_invoice"`
	PickInvoice   []string `yaml:"pick_invoice"`
	ReceiptScan   []string `yaml:"receipt_scan"`
}

// CommandConfig defines a remote command run by exact keyword match.
type CommandConfig struct {
	Keyword      string   `yaml:"keyword" validate:"required"`
	Program      string   `yaml:"program" validate:"required"`
	Args         []string `yaml:"args"`
	Dir          string   `yaml:"dir"`
	Notice       string   `yaml:"notice"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// ScheduleConfig holds cron expressions for maintenance tasks.
type ScheduleConfig struct {
	StagingSweep string `yaml:"staging_sweep"`
	StateSweep   string `yaml:"state_sweep"`
	Keepalive    string `yaml:"keepalive"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=console json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Load reads a YAML config file from path, merges .env and environment
// overrides, and returns a validated Config. A .env file next to the config
// file is loaded if present; existing environment variables win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envPath, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config, applying environment
// overrides from the process environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays secrets and deployment-specific values from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.LineWorks.ClientID, "LW_CLIENT_ID")
	set(&c.LineWorks.ClientSecret, "LW_CLIENT_SECRET")
	set(&c.LineWorks.ServiceAccount, "LW_SERVICE_ACCOUNT")
	set(&c.LineWorks.PrivateKeyPath, "LW_PRIVATE_KEY_PATH")
	set(&c.LineWorks.BotID, "LW_BOT_ID")
	set(&c.LineWorks.BotSecret, "LW_BOT_SECRET")
	set(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	set(&c.Slack.AppToken, "SLACK_APP_TOKEN")
	set(&c.Discord.BotToken, "DISCORD_BOT_TOKEN")
	set(&c.Jobs.Python, "PYTHON_CMD")
	set(&c.Store.RedisURL, "REDIS_URL")
	set(&c.Database.DSN, "DATABASE_DSN")
	set(&c.HTTP.Addr, "SECRETARY_HTTP_ADDR")

	if c.Assistant.APIKey == "" {
		switch c.Assistant.Provider {
		case "", "gemini":
			set(&c.Assistant.APIKey, "GEMINI_API_KEY")
		case "anthropic":
			set(&c.Assistant.APIKey, "ANTHROPIC_API_KEY")
		case "openai":
			set(&c.Assistant.APIKey, "OPENAI_API_KEY")
		}
	}
	if c.Assistant.Provider == "ollama" {
		set(&c.Assistant.BaseURL, "OLLAMA_HOST")
	}
}

// DefaultPersona is the assistant system prompt used when none is configured.
const DefaultPersona = "あなたは親切な「秘書ちゃん」という優秀なアシスタントです。過去の会話の文脈を踏まえて自然に回答してください。\n" +
	"また、あなたのPC側（開発環境側）のAIから、以下の情報が共有されています。この情報を前提知識として会話してください。"

var defaultModels = map[string]string{
	"gemini":    "gemini-2.5-flash-lite",
	"anthropic": "claude-3-5-haiku-latest",
	"openai":    "gpt-4o-mini",
	"ollama":    "llama3.1",
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "lineworks"
	}
	if c.LineWorks.APIBase == "" {
		c.LineWorks.APIBase = "https://www.worksapis.com/v1.0"
	}
	if c.LineWorks.AuthURL == "" {
		c.LineWorks.AuthURL = "https://auth.worksmobile.com/oauth2/v2.0/token"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
	c.HTTP.PublicURL = strings.TrimRight(c.HTTP.PublicURL, "/")

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "secretary.db"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "secretary:"
	}
	if c.Store.IdleTimeout == 0 {
		c.Store.IdleTimeout = 30 * time.Minute
	}

	if c.Assistant.Provider == "" {
		c.Assistant.Provider = "gemini"
	}
	if c.Assistant.Model == "" {
		c.Assistant.Model = defaultModels[c.Assistant.Provider]
	}
	if c.Assistant.MaxTokens == 0 {
		c.Assistant.MaxTokens = 1024
	}
	if c.Assistant.Persona == "" {
		c.Assistant.Persona = DefaultPersona
	}
	if c.Assistant.Provider == "ollama" && c.Assistant.BaseURL == "" {
		c.Assistant.BaseURL = "http://localhost:11434"
	}

	if c.Jobs.Python == "" {
		c.Jobs.Python = "python"
	}
	if c.Jobs.ScriptDir == "" {
		c.Jobs.ScriptDir = "."
	}
	if c.Jobs.ReceiptScript == "" {
		c.Jobs.ReceiptScript = "batch_gen.py"
	}
	if c.Jobs.ManualScript == "" {
		c.Jobs.ManualScript = "manual_invoice.py"
	}
	if c.Jobs.PickScript == "" {
		c.Jobs.PickScript = "pick_invoice.py"
	}
	if c.Jobs.InputDir == "" {
		c.Jobs.InputDir = "請求書作成依頼"
	}
	if c.Jobs.OutputDir == "" {
		c.Jobs.OutputDir = "請求書"
	}
	if c.Jobs.Timeout == 0 {
		c.Jobs.Timeout = 5 * time.Minute
	}
	if c.Jobs.Env == nil {
		c.Jobs.Env = map[string]string{}
	}
	if _, ok := c.Jobs.Env["PYTHONIOENCODING"]; !ok {
		c.Jobs.Env["PYTHONIOENCODING"] = "utf-8"
	}

	if len(c.Invoice.PickDestinations) == 0 {
		c.Invoice.PickDestinations = []DestinationConfig{
			{Code: "1", Name: "株式会社ミナミトランスポートレーション", Short: "ミナミトランスポートレーション"},
			{Code: "2", Name: "株式会社TUYOSHI", Short: "TUYOSHI"},
		}
	}
	for i := range c.Invoice.PickDestinations {
		d := &c.Invoice.PickDestinations[i]
		if d.Short == "" {
			d.Short = strings.TrimPrefix(d.Name, "株式会社")
		}
	}
	if c.Invoice.PickUnitPrice == 0 {
		c.Invoice.PickUnitPrice = 200
	}
	if c.Invoice.PickMarker == "" {
		c.Invoice.PickMarker = "-P"
	}

	kw := &c.Keywords
	if len(kw.Cancel) == 0 {
		kw.Cancel = []string{"キャンセル", "cancel"}
	}
	if len(kw.Back) == 0 {
		kw.Back = []string{"戻る", "もどる", "back"}
	}
	if len(kw.ManualInvoice) == 0 {
		kw.ManualInvoice = []string{"請求書作成", "manual invoice"}
	}
	if len(kw.PickInvoice) == 0 {
		kw.PickInvoice = []string{"ピック依頼", "pick request"}
	}
	if len(kw.ReceiptScan) == 0 {
		kw.ReceiptScan = []string{"レシート読取", "receipt scan"}
	}

	if c.Commands == nil && c.Jobs.OrdersDir != "" {
		c.Commands = []CommandConfig{{
			Keyword: "コマンド:注文確認",
			Program: c.Jobs.Python,
			Args:    []string{"check_apple_orders.py"},
			Dir:     c.Jobs.OrdersDir,
			Notice:  "【システム】注文確認スクリプトの実行を開始します... 少々お待ちください⏳",
		}}
	}

	if c.Schedule.StagingSweep == "" {
		c.Schedule.StagingSweep = "0 3 * * *"
	}
	if c.Schedule.StateSweep == "" {
		c.Schedule.StateSweep = "*/10 * * * *"
	}
	if c.Schedule.Keepalive == "" && c.HTTP.KeepaliveURL != "" {
		c.Schedule.Keepalive = "*/5 * * * *"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
}

// ScriptPath resolves a script name against Jobs.ScriptDir.
func (c *Config) ScriptPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Jobs.ScriptDir, name)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validate checks field constraints and platform-specific requirements.
func (c *Config) validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validation failed: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("%s failed %q (value %v)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag(), fe.Value()))
		}
	}

	switch c.Platform {
	case "lineworks":
		lw := c.LineWorks
		for name, v := range map[string]string{
			"client_id":        lw.ClientID,
			"client_secret":    lw.ClientSecret,
			"service_account":  lw.ServiceAccount,
			"private_key_path": lw.PrivateKeyPath,
			"bot_id":           lw.BotID,
			"bot_secret":       lw.BotSecret,
		} {
			if v == "" {
				errs = append(errs, "lineworks."+name+" is required")
			}
		}
	case "slack":
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	}

	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		errs = append(errs, "store.redis_url is required for the redis backend")
	}
	if c.Database.Driver == "mysql" && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required for mysql")
	}
	switch c.Assistant.Provider {
	case "gemini", "anthropic", "openai":
		if c.Assistant.APIKey == "" {
			errs = append(errs, "assistant.api_key is required for provider "+c.Assistant.Provider)
		}
	}

	seen := map[string]bool{}
	for _, d := range c.Invoice.PickDestinations {
		if seen[d.Code] {
			errs = append(errs, "invoice.pick_destinations has duplicate code "+d.Code)
		}
		seen[d.Code] = true
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
