package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	LogFormat     string              `json:"log_format" yaml:"log_format"`
	API           APIConfig           `json:"api" yaml:"api"`
	Registry      RegistryConfig      `json:"registry" yaml:"registry"`
	Stream        StreamConfig        `json:"stream" yaml:"stream"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	AI            AIConfig            `json:"ai" yaml:"ai"`
	Email         EmailConfig         `json:"email" yaml:"email"`
	SMS           SMSConfig           `json:"sms" yaml:"sms"`
	Kafka         KafkaConfig         `json:"kafka" yaml:"kafka"`
	Dispatch      DispatchConfig      `json:"dispatch" yaml:"dispatch"`
}

type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Addr           string   `json:"addr" yaml:"addr"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type RegistryConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	DSN           string        `json:"dsn" yaml:"dsn"`
	WatchInterval time.Duration `json:"watch_interval" yaml:"watch_interval"`
}

type StreamConfig struct {
	Transport     string        `json:"transport" yaml:"transport"`
	Path          string        `json:"path" yaml:"path"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	DialTimeout   time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	LogCapacity   int           `json:"log_capacity" yaml:"log_capacity"`
	Timezone      string        `json:"timezone" yaml:"timezone"`
}

type NotificationsConfig struct {
	StoreLimit            int           `json:"store_limit" yaml:"store_limit"`
	DedupeCapacity        int           `json:"dedupe_capacity" yaml:"dedupe_capacity"`
	SettingsPath          string        `json:"settings_path" yaml:"settings_path"`
	SettingsWatchInterval time.Duration `json:"settings_watch_interval" yaml:"settings_watch_interval"`
	HighCPUThreshold      float64       `json:"high_cpu_threshold" yaml:"high_cpu_threshold"`
	HighMemoryThreshold   float64       `json:"high_memory_threshold" yaml:"high_memory_threshold"`
	AlertCooldown         time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
}

type AIConfig struct {
	URL       string        `json:"url" yaml:"url"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	Model     string        `json:"model" yaml:"model"`
	MaxTokens int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

type EmailConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	FromName  string `json:"from_name" yaml:"from_name"`
	FromEmail string `json:"from_email" yaml:"from_email"`
}

// Configured reports whether enough is set to attempt delivery.
func (e EmailConfig) Configured() bool {
	return e.Host != "" && e.Username != "" && e.Password != ""
}

type SMSConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Key     string        `json:"key" yaml:"key"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type DispatchConfig struct {
	Buffer  int `json:"buffer" yaml:"buffer"`
	Workers int `json:"workers" yaml:"workers"`
}

const (
	DefaultAIURL       = "https://openrouter.ai/api/v1/chat/completions"
	DefaultAIModel     = "qwen/qwq-32b:free"
	DefaultSMSURL      = "http://localhost:9090/text"
	DefaultRetry       = 5 * time.Second
	aiAPIKeyEnv        = "OPENROUTER_API_KEY"
	defaultRegistryDSN = "healthmon.db"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API:       APIConfig{Enabled: true, Addr: ":3003", AllowedOrigins: []string{"*"}},
		Registry:  RegistryConfig{Driver: "bolt", DSN: defaultRegistryDSN, WatchInterval: 3 * time.Second},
		Stream: StreamConfig{
			Transport:     "websocket",
			Path:          "/health",
			RetryInterval: DefaultRetry,
			DialTimeout:   5 * time.Second,
			LogCapacity:   200,
			Timezone:      "Local",
		},
		Notifications: NotificationsConfig{
			StoreLimit:            50,
			DedupeCapacity:        10000,
			SettingsPath:          "settings.yaml",
			SettingsWatchInterval: 3 * time.Second,
			HighCPUThreshold:      90,
			HighMemoryThreshold:   90,
			AlertCooldown:         5 * time.Minute,
		},
		AI: AIConfig{
			URL:       DefaultAIURL,
			Model:     DefaultAIModel,
			MaxTokens: 100,
			Timeout:   5 * time.Second,
		},
		Email: EmailConfig{Port: 587, FromName: "Service Health Monitor"},
		SMS:   SMSConfig{URL: DefaultSMSURL, Key: "textbelt", Timeout: 10 * time.Second},
		Kafka: KafkaConfig{Enabled: false, Topic: "healthmon.notifications"},
		Dispatch: DispatchConfig{
			Buffer:  256,
			Workers: 2,
		},
	}
}

// Load reads a YAML or JSON file. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		applyDefaults(cfg)
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	if err := decode(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	data, err := encode(path, cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func decode(content string, out any) error {
	if looksLikeJSON(content) {
		return json.Unmarshal([]byte(content), out)
	}
	return yaml.Unmarshal([]byte(content), out)
}

func encode(path string, v any) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return json.MarshalIndent(v, "", "  ")
	}
	return yaml.Marshal(v)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = def.Registry.Driver
	}
	if cfg.Registry.DSN == "" {
		cfg.Registry.DSN = def.Registry.DSN
	}
	if cfg.Registry.WatchInterval <= 0 {
		cfg.Registry.WatchInterval = def.Registry.WatchInterval
	}
	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = def.Stream.Transport
	}
	if cfg.Stream.Path == "" {
		cfg.Stream.Path = def.Stream.Path
	}
	if cfg.Stream.RetryInterval <= 0 {
		cfg.Stream.RetryInterval = DefaultRetry
	}
	if cfg.Stream.DialTimeout <= 0 {
		cfg.Stream.DialTimeout = def.Stream.DialTimeout
	}
	if cfg.Stream.LogCapacity <= 0 {
		cfg.Stream.LogCapacity = def.Stream.LogCapacity
	}
	if cfg.Stream.Timezone == "" {
		cfg.Stream.Timezone = def.Stream.Timezone
	}
	if cfg.Notifications.StoreLimit <= 0 {
		cfg.Notifications.StoreLimit = def.Notifications.StoreLimit
	}
	if cfg.Notifications.DedupeCapacity < 0 {
		cfg.Notifications.DedupeCapacity = 0
	}
	if cfg.Notifications.SettingsWatchInterval <= 0 {
		cfg.Notifications.SettingsWatchInterval = def.Notifications.SettingsWatchInterval
	}
	if cfg.Notifications.HighCPUThreshold <= 0 {
		cfg.Notifications.HighCPUThreshold = def.Notifications.HighCPUThreshold
	}
	if cfg.Notifications.HighMemoryThreshold <= 0 {
		cfg.Notifications.HighMemoryThreshold = def.Notifications.HighMemoryThreshold
	}
	if cfg.AI.URL == "" {
		cfg.AI.URL = def.AI.URL
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = def.AI.Model
	}
	if cfg.AI.MaxTokens <= 0 {
		cfg.AI.MaxTokens = def.AI.MaxTokens
	}
	if cfg.AI.Timeout <= 0 {
		cfg.AI.Timeout = def.AI.Timeout
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv(aiAPIKeyEnv)
	}
	if cfg.Email.Port <= 0 {
		cfg.Email.Port = def.Email.Port
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = def.Email.FromName
	}
	if cfg.Email.FromEmail == "" {
		cfg.Email.FromEmail = cfg.Email.Username
	}
	if cfg.SMS.URL == "" {
		cfg.SMS.URL = def.SMS.URL
	}
	if cfg.SMS.Key == "" {
		cfg.SMS.Key = def.SMS.Key
	}
	if cfg.SMS.Timeout <= 0 {
		cfg.SMS.Timeout = def.SMS.Timeout
	}
	if cfg.Dispatch.Buffer <= 0 {
		cfg.Dispatch.Buffer = def.Dispatch.Buffer
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = def.Dispatch.Workers
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch cfg.Registry.Driver {
	case "bolt", "sqlite", "postgres":
	default:
		return fmt.Errorf("registry.driver %q not supported", cfg.Registry.Driver)
	}
	switch cfg.Stream.Transport {
	case "websocket", "tcp":
	default:
		return fmt.Errorf("stream.transport %q not supported", cfg.Stream.Transport)
	}
	if !strings.HasPrefix(cfg.Stream.Path, "/") {
		return errors.New("stream.path must start with /")
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return errors.New("kafka requires brokers and topic")
		}
	}
	if cfg.Notifications.HighCPUThreshold > 100 || cfg.Notifications.HighMemoryThreshold > 100 {
		return errors.New("notification thresholds are percentages and must be <= 100")
	}
	if _, err := cfg.Stream.Location(); err != nil {
		return fmt.Errorf("stream.timezone: %w", err)
	}
	return nil
}

// Location resolves the display timezone for log timestamps.
func (s StreamConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || strings.EqualFold(s.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

// Update validates cfg, writes it when a path is set and swaps it in.
func (m *Manager) Update(cfg *Config) error {
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	watchFile(interval, m.NeedsReload, func() error {
		cfg, err := m.Reload()
		if err != nil {
			return err
		}
		if onReload != nil {
			onReload(cfg)
		}
		return nil
	}, onError, stop)
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.mu.Unlock()
	}
}

func watchFile(interval time.Duration, needsReload func() (bool, error), reload func() error, onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := needsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			if err := reload(); err != nil && onError != nil {
				onError(err)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
