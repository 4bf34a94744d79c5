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

// ConfigPath is the YAML file read when Load gets an empty path.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_PATH")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                      string   `yaml:"port"`
	LogLevel                  string   `yaml:"logLevel"`
	DatabaseURL               string   `yaml:"databaseURL"`
	JWTSecret                 string   `yaml:"jwtSecret"`
	AuthJWKSURL               string   `yaml:"authJwksURL"`
	JWTIssuer                 string   `yaml:"jwtIssuer"`
	JWTAudience               string   `yaml:"jwtAudience"`
	JWTLeeway                 string   `yaml:"jwtLeeway"`
	RedisAddr                 string   `yaml:"redisAddr"`
	RedisPassword             string   `yaml:"redisPassword"`
	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
	AllowedOrigins            []string `yaml:"allowedOrigins"`
	Provider                  string   `yaml:"provider"`
	Model                     string   `yaml:"model"`
	APIKey                    string   `yaml:"apiKey"`
	BaseURL                   string   `yaml:"baseURL"`
	CompletionTimeout         string   `yaml:"completionTimeout"`
	DailyMessageLimit         int      `yaml:"dailyMessageLimit"`
	RestrictToBook            *bool    `yaml:"restrictToBook"`
	SessionIdleTTL            string   `yaml:"sessionIdleTTL"`
	MessageRateLimitPerMinute int      `yaml:"messageRateLimitPerMinute"`
}

// RestrictToBookEnabled reports the restrictToBook setting; unset means true.
func (c FileConfig) RestrictToBookEnabled() bool {
	return c.RestrictToBook == nil || *c.RestrictToBook
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_PROVIDER"); v != "" {
		cfg.Provider = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Model = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_API_KEY"); v != "" {
		cfg.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.APIKey == "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("CHAT_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_COMPLETION_TIMEOUT"); v != "" {
		cfg.CompletionTimeout = v
	}
	if v := os.Getenv("CHAT_DAILY_MESSAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.DailyMessageLimit = n
		}
	}
	if v := os.Getenv("CHAT_RESTRICT_TO_BOOK"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.RestrictToBook = &b
		}
	}
	if v := os.Getenv("CHAT_SESSION_IDLE_TTL"); v != "" {
		cfg.SessionIdleTTL = v
	}
	if v := os.Getenv("CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MessageRateLimitPerMinute = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	hasSecret := strings.TrimSpace(cfg.JWTSecret) != ""
	hasJWKS := strings.TrimSpace(cfg.AuthJWKSURL) != ""
	if hasSecret == hasJWKS {
		return errors.New("config: set exactly one of jwtSecret or authJwksURL")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai", "gemini":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return errors.New("config: apiKey is required for the openai and gemini providers")
		}
	case "openai-compat":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return errors.New("config: baseURL is required for the openai-compat provider")
		}
	case "ollama":
	default:
		return fmt.Errorf("config: provider %q must be openai, openai-compat, ollama or gemini", cfg.Provider)
	}
	for field, value := range map[string]string{
		"jwtLeeway":         cfg.JWTLeeway,
		"completionTimeout": cfg.CompletionTimeout,
		"sessionIdleTTL":    cfg.SessionIdleTTL,
	} {
		if _, err := ParseDuration(field, value); err != nil {
			return err
		}
	}
	if cfg.DailyMessageLimit < 0 {
		return errors.New("config: dailyMessageLimit must be >= 0")
	}
	if cfg.MessageRateLimitPerMinute < 0 {
		return errors.New("config: messageRateLimitPerMinute must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", field)
	}
	return dur, nil
}
