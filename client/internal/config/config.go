package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"chatsync/client/internal/composer"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Channel  ChannelConfig  `yaml:"channel"`
	History  HistoryConfig  `yaml:"history"`
	Upload   UploadConfig   `yaml:"upload"`
	Composer ComposerConfig `yaml:"composer"`
	Identity IdentityConfig `yaml:"identity"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig 聊天服务端地址
type ServerConfig struct {
	APIBaseURL    string `yaml:"api_base_url"`
	SocketBaseURL string `yaml:"socket_base_url"`
}

type ChannelConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type HistoryConfig struct {
	Limit int `yaml:"limit"`
	// NewestFirst 服务端按新到旧返回历史时打开
	NewestFirst bool          `yaml:"newest_first"`
	Timeout     time.Duration `yaml:"timeout"`
}

type UploadConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

type ComposerConfig struct {
	// RetryPolicy none | manual | auto
	RetryPolicy    string        `yaml:"retry_policy"`
	MaxAutoRetries int           `yaml:"max_auto_retries"`
	AutoRetryDelay time.Duration `yaml:"auto_retry_delay"`
	DedupeEcho     bool          `yaml:"dedupe_echo"`
}

// IdentityConfig 当前用户；UserID/Username 为空时从 access token 中读取
type IdentityConfig struct {
	AccessToken string `yaml:"access_token"`
	UserID      int    `yaml:"user_id"`
	Username    string `yaml:"username"`
}

// BridgeConfig 本地桥接 API
type BridgeConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DefaultRoom    string   `yaml:"default_room"`
}

// JournalConfig 本地未完成条目记录；Path 为空时关闭
type JournalConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIBaseURL:    "http://localhost:8080",
			SocketBaseURL: "ws://localhost:8080",
		},
		Channel: ChannelConfig{
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		History: HistoryConfig{
			Limit:   20,
			Timeout: 10 * time.Second,
		},
		Upload: UploadConfig{
			Timeout:  2 * time.Minute,
			MaxBytes: 10 << 20,
		},
		Composer: ComposerConfig{
			RetryPolicy:    string(composer.PolicyManual),
			MaxAutoRetries: 3,
			AutoRetryDelay: 2 * time.Second,
			DedupeEcho:     true,
		},
		Bridge: BridgeConfig{
			Host:           "127.0.0.1",
			Port:           7070,
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load 加载配置：默认值 → YAML 文件（可选）→ .env → 环境变量，最后校验
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖地址与敏感信息
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSYNC_API_URL"); v != "" {
		c.Server.APIBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_SOCKET_URL"); v != "" {
		c.Server.SocketBaseURL = v
	}
	if v := os.Getenv("CHATSYNC_ACCESS_TOKEN"); v != "" {
		c.Identity.AccessToken = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATSYNC_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := checkURL(c.Server.APIBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("server.api_base_url: %w", err)
	}
	if err := checkURL(c.Server.SocketBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("server.socket_base_url: %w", err)
	}
	if c.Channel.ReconnectDelay <= 0 {
		return fmt.Errorf("channel.reconnect_delay must be positive")
	}
	if c.Channel.HandshakeTimeout <= 0 {
		return fmt.Errorf("channel.handshake_timeout must be positive")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be positive")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if _, err := composer.ParsePolicy(c.Composer.RetryPolicy); err != nil {
		return fmt.Errorf("composer.retry_policy: %w", err)
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port out of range: %d", c.Bridge.Port)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// RetryPolicy 组合器使用的上传失败策略
func (c *Config) RetryPolicy() composer.RetryPolicy {
	mode, _ := composer.ParsePolicy(c.Composer.RetryPolicy)
	return composer.RetryPolicy{
		Mode:           mode,
		MaxAutoRetries: c.Composer.MaxAutoRetries,
		AutoRetryDelay: c.Composer.AutoRetryDelay,
	}
}

// BridgeAddr 桥接 API 监听地址
func (c *Config) BridgeAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
}
