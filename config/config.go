package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	Tracker TrackerConfig `toml:"tracker"`
	Webhook WebhookConfig `toml:"webhook"`
	Trigger TriggerConfig `toml:"trigger"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// TrackerConfig はトラッキングサービスAPIへの接続設定です
type TrackerConfig struct {
	Account     string `toml:"account"`
	Collection  string `toml:"collection"`
	User        string `toml:"user"`
	Token       string `toml:"token"`
	BaseURL     string `toml:"base_url"`
	LinkComment string `toml:"link_comment"`
}

// WebhookConfig は受信Webhookの認証情報です
type WebhookConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Path     string `toml:"path"`
}

// TriggerConfig は子ワークアイテム作成の条件と内容です
type TriggerConfig struct {
	Field            string `toml:"field"`
	Keyword          string `toml:"keyword"`
	ChildTitle       string `toml:"child_title"`
	ChildType        string `toml:"child_type"`
	ChildDescription string `toml:"child_description"`
}

// ServerConfig はHTTPサーバーの設定です
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig はログ出力の設定です
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default はデフォルト値の設定を返します
func Default() Config {
	return Config{
		Tracker: TrackerConfig{
			LinkComment: "Created by boardhook",
		},
		Webhook: WebhookConfig{
			Path: "/api/workitemchanged",
		},
		Trigger: TriggerConfig{
			Field:            "System.BoardColumn",
			Keyword:          "Committed",
			ChildTitle:       "Make it Done",
			ChildType:        "Task",
			ChildDescription: "Do it!",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig は設定を読み込み、必須項目を検証します
func LoadConfig(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load は設定ファイル（任意）と環境変数から設定を読み込みます。
// 環境変数はファイルの値より優先されます。検証は行いません
func Load(path string) (*Config, error) {
	// .envファイルを読み込む
	_ = godotenv.Load()

	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイル読み込みエラー: %w", err)
	}
	if len(content) == 0 {
		return nil
	}
	if err := toml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("設定ファイル解析エラー: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Tracker.Account = getEnvWithDefault("TRACKER_ACCOUNT", cfg.Tracker.Account)
	cfg.Tracker.Collection = getEnvWithDefault("TRACKER_COLLECTION", cfg.Tracker.Collection)
	cfg.Tracker.User = getEnvWithDefault("TRACKER_USER", cfg.Tracker.User)
	cfg.Tracker.Token = getEnvWithDefault("TRACKER_TOKEN", cfg.Tracker.Token)
	cfg.Tracker.BaseURL = strings.TrimRight(getEnvWithDefault("TRACKER_BASE_URL", cfg.Tracker.BaseURL), "/")
	cfg.Tracker.LinkComment = getEnvWithDefault("TRACKER_LINK_COMMENT", cfg.Tracker.LinkComment)

	cfg.Webhook.Username = getEnvWithDefault("WEBHOOK_USERNAME", cfg.Webhook.Username)
	cfg.Webhook.Password = getEnvWithDefault("WEBHOOK_PASSWORD", cfg.Webhook.Password)
	cfg.Webhook.Path = getEnvWithDefault("WEBHOOK_PATH", cfg.Webhook.Path)

	cfg.Trigger.Field = getEnvWithDefault("TRIGGER_FIELD", cfg.Trigger.Field)
	cfg.Trigger.Keyword = getEnvWithDefault("TRIGGER_KEYWORD", cfg.Trigger.Keyword)
	cfg.Trigger.ChildTitle = getEnvWithDefault("CHILD_TITLE", cfg.Trigger.ChildTitle)
	cfg.Trigger.ChildType = getEnvWithDefault("CHILD_TYPE", cfg.Trigger.ChildType)
	cfg.Trigger.ChildDescription = getEnvWithDefault("CHILD_DESCRIPTION", cfg.Trigger.ChildDescription)

	cfg.Server.ListenAddr = getEnvWithDefault("LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Logging.Level = getEnvWithDefault("LOG_LEVEL", cfg.Logging.Level)
}

// Validate は必須項目を確認します
func (c Config) Validate() error {
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Webhook.Username) == "" || c.Webhook.Password == "" {
		return errors.New("WEBHOOK_USERNAME と WEBHOOK_PASSWORD は必須です")
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path は / で始まる必要があります: %q", c.Webhook.Path)
	}
	if strings.TrimSpace(c.Trigger.Keyword) == "" {
		return errors.New("trigger.keyword は必須です")
	}
	if strings.TrimSpace(c.Trigger.ChildTitle) == "" || strings.TrimSpace(c.Trigger.ChildType) == "" {
		return errors.New("trigger.child_title と trigger.child_type は必須です")
	}
	return nil
}

// Validate はトラッキングサービスの接続設定を確認します
func (c TrackerConfig) Validate() error {
	if c.BaseURL == "" && (strings.TrimSpace(c.Account) == "" || strings.TrimSpace(c.Collection) == "") {
		return errors.New("TRACKER_ACCOUNT と TRACKER_COLLECTION（または TRACKER_BASE_URL）は必須です")
	}
	if c.Token == "" {
		return errors.New("TRACKER_TOKEN は必須です")
	}
	return nil
}

// ResolvedBaseURL はAPIのベースURLを返します
func (c TrackerConfig) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.visualstudio.com/%s", c.Account, c.Collection)
}

// デフォルト値付きで環境変数を取得
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
