package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/client/internal/composer"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadDefaults 验证没有配置文件时使用默认值。
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.Channel.ReconnectDelay)
	require.Equal(t, 20, cfg.History.Limit)
	require.Equal(t, int64(10<<20), cfg.Upload.MaxBytes)
	require.True(t, cfg.Composer.DedupeEcho)
	require.Equal(t, composer.PolicyManual, cfg.RetryPolicy().Mode)
	require.Equal(t, "127.0.0.1:7070", cfg.BridgeAddr())
}

// TestLoadFileOverlaysDefaults 验证 YAML 只覆盖出现的字段，时长字段按字符串解析。
func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  api_base_url: https://chat.example.com
  socket_base_url: wss://chat.example.com
channel:
  reconnect_delay: 500ms
history:
  newest_first: true
composer:
  retry_policy: auto
  max_auto_retries: 5
  auto_retry_delay: 1s
journal:
  path: /tmp/chatsync-journal
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", cfg.Server.APIBaseURL)
	require.Equal(t, 500*time.Millisecond, cfg.Channel.ReconnectDelay)
	require.Equal(t, 10*time.Second, cfg.Channel.HandshakeTimeout)
	require.True(t, cfg.History.NewestFirst)
	require.Equal(t, 20, cfg.History.Limit)
	require.Equal(t, "/tmp/chatsync-journal", cfg.Journal.Path)

	policy := cfg.RetryPolicy()
	require.Equal(t, composer.PolicyAuto, policy.Mode)
	require.Equal(t, 5, policy.MaxAutoRetries)
	require.Equal(t, time.Second, policy.AutoRetryDelay)
}

// TestLoadEnvOverrides 验证环境变量优先于配置文件。
func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
identity:
  access_token: from-file
`)
	t.Setenv("CHATSYNC_API_URL", "http://10.0.0.2:9000")
	t.Setenv("CHATSYNC_SOCKET_URL", "ws://10.0.0.2:9000")
	t.Setenv("CHATSYNC_ACCESS_TOKEN", "from-env")
	t.Setenv("CHATSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://10.0.0.2:9000", cfg.Server.APIBaseURL)
	require.Equal(t, "ws://10.0.0.2:9000", cfg.Server.SocketBaseURL)
	require.Equal(t, "from-env", cfg.Identity.AccessToken)
	require.Equal(t, "debug", cfg.Logging.Level)
}

// TestValidate 验证非法配置被拒绝。
func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad socket scheme": func(c *Config) { c.Server.SocketBaseURL = "http://localhost:8080" },
		"missing api url":   func(c *Config) { c.Server.APIBaseURL = "" },
		"zero reconnect":    func(c *Config) { c.Channel.ReconnectDelay = 0 },
		"zero limit":        func(c *Config) { c.History.Limit = 0 },
		"unknown policy":    func(c *Config) { c.Composer.RetryPolicy = "sometimes" },
		"bad log format":    func(c *Config) { c.Logging.Format = "xml" },
		"bad port":          func(c *Config) { c.Bridge.Port = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, Default().Validate())
}

// TestLoadMissingFile 验证指定的配置文件不存在时报错。
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
