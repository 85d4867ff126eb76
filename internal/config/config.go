// ============================================================================
// sjs Config - 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 守護程式設定的預設值、載入（YAML / TOML）與驗證
//
// 格式:
//   副檔名為 .toml 時以 go-toml 解析，其餘一律以 YAML 解析。
//   時間欄位使用 Go duration 字串（"100ms", "30s"）。
//
// 優先順序:
//   Default() < 設定檔 < CLI 旗標（由 internal/cli 覆寫）
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/sjs/internal/runner"
)

// Duration 可同時由 YAML 與 TOML 解析的時間長度
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 完整設定
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon" toml:"daemon"`
	Hooks   HooksConfig   `yaml:"hooks" toml:"hooks"`
	Journal JournalConfig `yaml:"journal" toml:"journal"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	RPC     RPCConfig     `yaml:"rpc" toml:"rpc"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// DaemonConfig 排程核心
type DaemonConfig struct {
	Pipe         string   `yaml:"pipe" toml:"pipe"`
	MaxJobs      int      `yaml:"max_jobs" toml:"max_jobs"`
	Shell        string   `yaml:"shell" toml:"shell"`
	Workdir      string   `yaml:"workdir" toml:"workdir"`
	LaunchPacing Duration `yaml:"launch_pacing" toml:"launch_pacing"`
	ReapInterval Duration `yaml:"reap_interval" toml:"reap_interval"`
	ReplyTimeout Duration `yaml:"reply_timeout" toml:"reply_timeout"`
	IntakeBuffer int      `yaml:"intake_buffer" toml:"intake_buffer"`
	WatchConfig  bool     `yaml:"watch_config" toml:"watch_config"`
}

// HooksConfig 前置動作
type HooksConfig struct {
	Git      string   `yaml:"git" toml:"git"`
	Make     string   `yaml:"make" toml:"make"`
	SlotWait Duration `yaml:"slot_wait" toml:"slot_wait"`
}

// JournalConfig 任務生命週期日誌
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
	Sync    bool   `yaml:"sync" toml:"sync"`
}

// MetricsConfig HTTP 狀態與 Prometheus 端點
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// RPCConfig gRPC 遠端狀態服務
type RPCConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LogConfig 日誌輸出
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default 預設設定
func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			Pipe:         "jobs.pipe",
			MaxJobs:      4,
			Shell:        "/bin/sh",
			LaunchPacing: Duration(100 * time.Millisecond),
			ReapInterval: Duration(time.Second),
			ReplyTimeout: Duration(10 * time.Second),
			IntakeBuffer: 64,
		},
		Hooks: HooksConfig{
			Git:      "git pull",
			Make:     "make",
			SlotWait: Duration(30 * time.Second),
		},
		Journal: JournalConfig{Path: "sjs.journal"},
		Metrics: MetricsConfig{Addr: ":9090"},
		RPC:     RPCConfig{Addr: ":50051"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 讀取並驗證設定檔；未出現的欄位保留預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, Format(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 檔案不存在時回傳預設值
func LoadOrDefault(path string) (*Config, bool, error) {
	if path == "" {
		cfg := Default()
		return &cfg, false, nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		def := Default()
		return &def, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Format returns "toml" for .toml files and "yaml" otherwise.
func Format(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

// Parse 解析設定內容
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()

	switch format {
	case "toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Daemon.Pipe) == "" {
		errs = append(errs, errors.New("daemon.pipe must not be empty"))
	}
	if c.Daemon.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("daemon.max_jobs must be >= 0, got %d", c.Daemon.MaxJobs))
	}
	if strings.TrimSpace(c.Daemon.Shell) == "" {
		errs = append(errs, errors.New("daemon.shell must not be empty"))
	}
	if c.Daemon.LaunchPacing < 0 {
		errs = append(errs, errors.New("daemon.launch_pacing must not be negative"))
	}
	if c.Daemon.ReapInterval <= 0 {
		errs = append(errs, errors.New("daemon.reap_interval must be positive"))
	}
	if c.Daemon.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("daemon.reply_timeout must be positive"))
	}
	if c.Daemon.IntakeBuffer < 0 {
		errs = append(errs, errors.New("daemon.intake_buffer must not be negative"))
	}
	if c.Hooks.SlotWait <= 0 {
		errs = append(errs, errors.New("hooks.slot_wait must be positive"))
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		errs = append(errs, errors.New("journal.path must not be empty when the journal is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr must not be empty when metrics are enabled"))
	}
	if c.RPC.Enabled && c.RPC.Addr == "" {
		errs = append(errs, errors.New("rpc.addr must not be empty when rpc is enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// HookCommands maps hook names to their command lines.
func (c *Config) HookCommands() map[string]string {
	return map[string]string{
		runner.HookGit:  c.Hooks.Git,
		runner.HookMake: c.Hooks.Make,
	}
}
