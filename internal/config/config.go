package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envSMTPPassword       = "CERTMAILER_SMTP_PASSWORD"
	envGoogleClientSecret = "CERTMAILER_GOOGLE_CLIENT_SECRET"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Google      GoogleConfig              `json:"google" yaml:"google"`
	SMTP        SMTPConfig                `json:"smtp" yaml:"smtp"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
}

type BasicConfig struct {
	ServerAddress        string   `json:"server_address" yaml:"server_address"`
	AllowedDomains       []string `json:"allowed_domains" yaml:"allowed_domains"`
	TemplatePlaceholder  string   `json:"template_placeholder" yaml:"template_placeholder"`
	DocumentPlaceholder  string   `json:"document_placeholder" yaml:"document_placeholder"`
	RemoteTimeoutSeconds int      `json:"remote_timeout_seconds" yaml:"remote_timeout_seconds"`
	ReapIntervalMinutes  int      `json:"reap_interval_minutes" yaml:"reap_interval_minutes"`
	ReapAgeMinutes       int      `json:"reap_age_minutes" yaml:"reap_age_minutes"`
	TokenTTLHours        int      `json:"token_ttl_hours" yaml:"token_ttl_hours"`
	QueueSize            int      `json:"queue_size" yaml:"queue_size"`
}

// GoogleConfig holds the OAuth client used for sign-in and the service
// account used to reach Drive and Slides.
type GoogleConfig struct {
	ClientID           string `json:"client_id" yaml:"client_id"`
	ClientSecret       string `json:"client_secret" yaml:"client_secret"`
	RedirectURL        string `json:"redirect_url" yaml:"redirect_url"`
	ServiceAccountFile string `json:"service_account_file" yaml:"service_account_file"`
	ServiceAccountJSON string `json:"service_account_json" yaml:"service_account_json"`
}

type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && sqlite.DSN != ":memory:" && !filepath.IsAbs(sqlite.DSN) && !strings.HasPrefix(sqlite.DSN, "file:") {
		sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
		cfg.Databases["sqlite3"] = sqlite
	}
	if sa := cfg.Google.ServiceAccountFile; sa != "" && !filepath.IsAbs(sa) {
		cfg.Google.ServiceAccountFile = filepath.Join(filepath.Dir(absPath), sa)
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envSMTPPassword)); v != "" {
		c.SMTP.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(envGoogleClientSecret)); v != "" {
		c.Google.ClientSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.TemplatePlaceholder == "" {
		c.BasicConfig.TemplatePlaceholder = "{Full_Name}"
	}
	if c.BasicConfig.DocumentPlaceholder == "" {
		c.BasicConfig.DocumentPlaceholder = "{{Full_Name}}"
	}
	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.gmail.com"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}
	if c.Databases == nil {
		c.Databases = map[string]DatabaseConfig{}
	}
}

// RemoteTimeout bounds every single Drive, Slides or SMTP call.
func (b BasicConfig) RemoteTimeout() time.Duration {
	if b.RemoteTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.RemoteTimeoutSeconds) * time.Second
}

func (b BasicConfig) ReapInterval() time.Duration {
	if b.ReapIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(b.ReapIntervalMinutes) * time.Minute
}

// ReapAge is how old a leftover temporary copy must be before the reaper
// deletes it.
func (b BasicConfig) ReapAge() time.Duration {
	if b.ReapAgeMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(b.ReapAgeMinutes) * time.Minute
}

func (b BasicConfig) TokenTTL() time.Duration {
	if b.TokenTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.TokenTTLHours) * time.Hour
}

// ServiceAccountCredentials returns the raw service account JSON, preferring
// the inline value over the file.
func (g GoogleConfig) ServiceAccountCredentials() ([]byte, error) {
	if strings.TrimSpace(g.ServiceAccountJSON) != "" {
		return []byte(g.ServiceAccountJSON), nil
	}
	if g.ServiceAccountFile == "" {
		return nil, fmt.Errorf("google service account must be configured")
	}
	data, err := os.ReadFile(g.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account: %w", err)
	}
	return data, nil
}
