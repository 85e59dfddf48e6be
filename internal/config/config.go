package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ModelInfo struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Provider    string `yaml:"provider" json:"provider"`
	Description string `yaml:"description" json:"description"`
	Badge       string `yaml:"badge,omitempty" json:"badge,omitempty"`
}

type Config struct {
	HTTP struct {
		Addr           string `yaml:"addr"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	} `yaml:"http"`
	Dev struct {
		Mode bool `yaml:"mode"`
	} `yaml:"dev"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	LLM struct {
		DefaultProvider string        `yaml:"default_provider"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
	} `yaml:"llm"`
	Google struct {
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"google"`
	Mistral struct {
		Model   string `yaml:"model"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"mistral"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"redis"`
	Sessions struct {
		Max     int           `yaml:"max"`
		IdleTTL time.Duration `yaml:"idle_ttl"`
	} `yaml:"sessions"`
	Security struct {
		APIKey          string   `yaml:"api_key"`
		AllowOrigins    []string `yaml:"allow_origins"`
		TokenSigningKey string   `yaml:"token_signing_key"`
		TokenIssuer     string   `yaml:"token_issuer"`
		TokenAudience   string   `yaml:"token_audience"`
	} `yaml:"security"`
	RateLimit struct {
		AnalysesPerMinute int `yaml:"analyses_per_minute"`
	} `yaml:"rate_limit"`
	Models []ModelInfo `yaml:"models"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8090"
	cfg.HTTP.MaxUploadBytes = 32 << 20
	cfg.Dev.Mode = true
	cfg.Log.Level = "info"
	cfg.LLM.DefaultProvider = "google"
	cfg.LLM.RequestTimeout = 120 * time.Second
	cfg.Google.Model = "gemini-3-pro-preview"
	cfg.Google.BaseURL = "https://generativelanguage.googleapis.com"
	cfg.Mistral.Model = "pixtral-large-latest"
	cfg.Mistral.BaseURL = "https://api.mistral.ai"
	cfg.Redis.Queue = "crashgenius:certify"
	cfg.Sessions.Max = 1000
	cfg.Sessions.IdleTTL = 30 * time.Minute
	cfg.RateLimit.AnalysesPerMinute = 10
	cfg.Security.TokenIssuer = "crashgenius"
	cfg.Security.TokenAudience = "crashgenius-api"
	cfg.Models = []ModelInfo{
		{ID: "gemini-3-pro-preview", Name: "Gemini 3 Pro", Provider: "google", Description: "Deep multimodal reasoning over crash photos and documents", Badge: "Recommended"},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", Provider: "google", Description: "Faster, lower-cost analysis"},
		{ID: "pixtral-large-latest", Name: "Pixtral Large", Provider: "mistral", Description: "Mistral vision model, requires your own Mistral API key", Badge: "BYOK"},
	}
	return cfg
}

// Load reads the optional YAML file at path, overlays the environment and validates.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that only need part of the configuration.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.LLM.DefaultProvider {
	case "google":
		if c.Google.APIKey == "" {
			return errors.New("missing google.api_key (or GEMINI_API_KEY)")
		}
	case "mistral", "noop":
	default:
		return fmt.Errorf("unknown llm.default_provider %q", c.LLM.DefaultProvider)
	}
	if c.LLM.RequestTimeout <= 0 {
		return errors.New("llm.request_timeout must be positive")
	}
	if c.RateLimit.AnalysesPerMinute < 0 {
		return errors.New("rate_limit.analyses_per_minute must not be negative")
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	return nil
}

// ModelProvider returns the provider serving a catalogue model id.
func (c Config) ModelProvider(id string) (string, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m.Provider, true
		}
	}
	return "", false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CG_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CG_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("CG_DEV_MODE"); v != "" {
		cfg.Dev.Mode = parseBool(v, cfg.Dev.Mode)
	}
	if v := os.Getenv("CG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CG_LLM_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = strings.ToLower(v)
	}
	if v := os.Getenv("CG_LLM_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.RequestTimeout = d
		}
	}
	// GEMINI_API_KEY wins over the legacy API_KEY name.
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Google.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Google.APIKey = v
	}
	if v := os.Getenv("CG_GOOGLE_MODEL"); v != "" {
		cfg.Google.Model = v
	}
	if v := os.Getenv("CG_GOOGLE_BASE_URL"); v != "" {
		cfg.Google.BaseURL = v
	}
	if v := os.Getenv("CG_MISTRAL_MODEL"); v != "" {
		cfg.Mistral.Model = v
	}
	if v := os.Getenv("CG_MISTRAL_BASE_URL"); v != "" {
		cfg.Mistral.BaseURL = v
	}
	if v := os.Getenv("CG_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CG_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CG_REDIS_QUEUE"); v != "" {
		cfg.Redis.Queue = v
	}
	if v := os.Getenv("CG_SESSIONS_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.Max = n
		}
	}
	if v := os.Getenv("CG_SESSIONS_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.IdleTTL = d
		}
	}
	if v := os.Getenv("CG_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("CG_TOKEN_SIGNING_KEY"); v != "" {
		cfg.Security.TokenSigningKey = v
	}
	if v := os.Getenv("CG_TOKEN_ISSUER"); v != "" {
		cfg.Security.TokenIssuer = v
	}
	if v := os.Getenv("CG_TOKEN_AUDIENCE"); v != "" {
		cfg.Security.TokenAudience = v
	}
	if v := os.Getenv("CG_ALLOW_ORIGINS"); v != "" {
		cfg.Security.AllowOrigins = splitCSV(v)
	}
	if v := os.Getenv("CG_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.AnalysesPerMinute = n
		}
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
