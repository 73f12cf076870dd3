package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Log           LogConfig           `yaml:"log"`
	Extractor     ExtractorConfig     `yaml:"extractor"`
	Search        SearchConfig        `yaml:"search"`
	Artifact      ArtifactConfig      `yaml:"artifact"`
	Notify        NotifyConfig        `yaml:"notify"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Routing       RoutingConfig       `yaml:"routing"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
}

type AgentConfig struct {
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
	CLIUser  string `yaml:"cli_user"`
}

type ServerConfig struct {
	HTTPPort           int `yaml:"http_port"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ResponseTimeoutSec int `yaml:"response_timeout_sec"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Dir              string  `yaml:"dir"`
	Level            string  `yaml:"level"`
	SlowSpanMs       int     `yaml:"slow_span_ms"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type ExtractorConfig struct {
	Provider        string `yaml:"provider"` // openai | gemini
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url,omitempty"`
	APIKey          string `yaml:"api_key,omitempty"`
	ContextMessages int    `yaml:"context_messages"`
}

type SearchConfig struct {
	APIKey          string `yaml:"api_key,omitempty"`
	DefaultLocation string `yaml:"default_location"`
	RadiusMeters    uint   `yaml:"radius_meters"`
	Language        string `yaml:"language"`
	Limit           int    `yaml:"limit"`
}

type ArtifactConfig struct {
	CredentialsFile string   `yaml:"credentials_file,omitempty"`
	DefaultOptions  []string `yaml:"default_options"`
	NameQuestion    string   `yaml:"name_question"`
	ChoiceQuestion  string   `yaml:"choice_question"`
	NotesQuestion   string   `yaml:"notes_question"`
	EmailQuestion   string   `yaml:"email_question"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from"`
}

type NotifyConfig struct {
	LineToken      string     `yaml:"line_token,omitempty"`
	LineAPIRoot    string     `yaml:"line_api_root"`
	PushTargets    []string   `yaml:"push_targets"`
	PushRatePerSec float64    `yaml:"push_rate_per_sec"`
	ExtraEmails    []string   `yaml:"extra_emails"`
	SMTP           SMTPConfig `yaml:"smtp"`
}

type ScheduleConfig struct {
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	BatchSize       int    `yaml:"batch_size"`
	Workers         int    `yaml:"workers"`
	ClaimLeaseSec   int    `yaml:"claim_lease_sec"`
	MaxAttempts     int    `yaml:"max_attempts"`
	RetryDelaySec   int    `yaml:"retry_delay_sec"`
	RemindBeforeMin int    `yaml:"remind_before_min"`
	ChoiceField     string `yaml:"choice_field"`
	NameField       string `yaml:"name_field"`
	EmailField      string `yaml:"email_field"`
}

type RoutingConfig struct {
	Priority []string `yaml:"priority"`
}

type CollaboratorsConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.yaml")
}

func NewManager(path string) (*Manager, error) {
	mgr := &Manager{
		path: path,
		cfg:  defaultConfig(),
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// Get returns the file configuration with environment secrets applied.
// Secrets taken from the environment are never written back to disk.
func (m *Manager) Get() Config {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "LunchRun"
	}
	if strings.TrimSpace(cfg.Agent.Timezone) == "" {
		cfg.Agent.Timezone = "Asia/Taipei"
	}
	if strings.TrimSpace(cfg.Agent.CLIUser) == "" {
		cfg.Agent.CLIUser = "local_user"
	}

	if cfg.Server.HTTPPort <= 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		cfg.Server.ShutdownTimeoutSec = 5
	}
	if cfg.Server.ResponseTimeoutSec <= 0 {
		cfg.Server.ResponseTimeoutSec = 60
	}

	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		cfg.Storage.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(cfg.Log.Dir) == "" {
		cfg.Log.Dir = filepath.Join("output", "logs")
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.SlowSpanMs <= 0 {
		cfg.Log.SlowSpanMs = 5000
	}
	if cfg.Log.TraceSampleRatio <= 0 || cfg.Log.TraceSampleRatio > 1 {
		cfg.Log.TraceSampleRatio = 1
	}

	cfg.Extractor.Provider = strings.ToLower(strings.TrimSpace(cfg.Extractor.Provider))
	if cfg.Extractor.Provider != "openai" && cfg.Extractor.Provider != "gemini" {
		cfg.Extractor.Provider = "openai"
	}
	if strings.TrimSpace(cfg.Extractor.Model) == "" {
		if cfg.Extractor.Provider == "gemini" {
			cfg.Extractor.Model = "gemini-2.0-flash"
		} else {
			cfg.Extractor.Model = "gpt-4o-mini"
		}
	}
	if cfg.Extractor.ContextMessages <= 0 {
		cfg.Extractor.ContextMessages = 12
	}

	if strings.TrimSpace(cfg.Search.DefaultLocation) == "" {
		cfg.Search.DefaultLocation = "25.0553,121.6134"
	}
	if cfg.Search.RadiusMeters == 0 {
		cfg.Search.RadiusMeters = 5000
	}
	if strings.TrimSpace(cfg.Search.Language) == "" {
		cfg.Search.Language = "zh-TW"
	}
	if cfg.Search.Limit <= 0 {
		cfg.Search.Limit = 8
	}

	if len(cfg.Artifact.DefaultOptions) == 0 {
		cfg.Artifact.DefaultOptions = []string{"Classic black tea", "Bubble milk tea", "Fruit tea"}
	}
	if strings.TrimSpace(cfg.Artifact.NameQuestion) == "" {
		cfg.Artifact.NameQuestion = "Your name"
	}
	if strings.TrimSpace(cfg.Artifact.ChoiceQuestion) == "" {
		cfg.Artifact.ChoiceQuestion = "Your order"
	}
	if strings.TrimSpace(cfg.Artifact.NotesQuestion) == "" {
		cfg.Artifact.NotesQuestion = "Notes"
	}
	if strings.TrimSpace(cfg.Artifact.EmailQuestion) == "" {
		cfg.Artifact.EmailQuestion = "Your email"
	}

	if strings.TrimSpace(cfg.Notify.LineAPIRoot) == "" {
		cfg.Notify.LineAPIRoot = "https://api.line.me"
	}
	if cfg.Notify.PushRatePerSec <= 0 {
		cfg.Notify.PushRatePerSec = 5
	}
	if cfg.Notify.SMTP.Port <= 0 {
		cfg.Notify.SMTP.Port = 587
	}

	if cfg.Schedule.PollIntervalSec <= 0 {
		cfg.Schedule.PollIntervalSec = 60
	}
	if cfg.Schedule.BatchSize <= 0 {
		cfg.Schedule.BatchSize = 20
	}
	if cfg.Schedule.Workers <= 0 {
		cfg.Schedule.Workers = 4
	}
	if cfg.Schedule.ClaimLeaseSec <= 0 {
		cfg.Schedule.ClaimLeaseSec = 600
	}
	if cfg.Schedule.MaxAttempts <= 0 {
		cfg.Schedule.MaxAttempts = 1
	}
	if cfg.Schedule.RetryDelaySec <= 0 {
		cfg.Schedule.RetryDelaySec = 60
	}
	if cfg.Schedule.RemindBeforeMin < 0 {
		cfg.Schedule.RemindBeforeMin = 0
	} else if cfg.Schedule.RemindBeforeMin == 0 {
		cfg.Schedule.RemindBeforeMin = 60
	}
	if strings.TrimSpace(cfg.Schedule.ChoiceField) == "" {
		cfg.Schedule.ChoiceField = cfg.Artifact.ChoiceQuestion
	}
	if strings.TrimSpace(cfg.Schedule.NameField) == "" {
		cfg.Schedule.NameField = cfg.Artifact.NameQuestion
	}
	if strings.TrimSpace(cfg.Schedule.EmailField) == "" {
		cfg.Schedule.EmailField = cfg.Artifact.EmailQuestion
	}

	if len(cfg.Routing.Priority) == 0 {
		cfg.Routing.Priority = []string{"create_artifact", "search"}
	}

	if cfg.Collaborators.TimeoutSec <= 0 {
		cfg.Collaborators.TimeoutSec = 20
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := strings.TrimSpace(getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	if cfg.Extractor.Provider == "gemini" {
		set(&cfg.Extractor.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	} else {
		set(&cfg.Extractor.APIKey, "OPENAI_API_KEY")
		set(&cfg.Extractor.BaseURL, "OPENAI_BASE_URL")
	}
	set(&cfg.Search.APIKey, "GOOGLE_API_KEY")
	set(&cfg.Artifact.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	set(&cfg.Notify.LineToken, "LINE_CHANNEL_ACCESS_TOKEN")
	if target := strings.TrimSpace(getenv("LINE_TARGET_ID")); target != "" && len(cfg.Notify.PushTargets) == 0 {
		cfg.Notify.PushTargets = []string{target}
	}
	set(&cfg.Notify.SMTP.Host, "SMTP_SERVER")
	set(&cfg.Notify.SMTP.Username, "SMTP_USERNAME")
	set(&cfg.Notify.SMTP.Password, "SMTP_PASSWORD")
	if strings.TrimSpace(cfg.Notify.SMTP.From) == "" {
		cfg.Notify.SMTP.From = cfg.Notify.SMTP.Username
	}
	if owner := strings.TrimSpace(getenv("OWNER_EMAIL")); owner != "" {
		cfg.Notify.ExtraEmails = append(append([]string(nil), cfg.Notify.ExtraEmails...), owner)
	}
}
