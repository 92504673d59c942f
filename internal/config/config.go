package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"feathergate/internal/models"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "feathergate.yaml"

var defaultAPIBases = map[models.Provider]string{
	models.ProviderOpenAI:    "https://api.openai.com/v1",
	models.ProviderAnthropic: "https://api.anthropic.com",
	models.ProviderGemini:    "https://generativelanguage.googleapis.com",
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Upstream  UpstreamConfig `yaml:"upstream"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Usage     UsageConfig    `yaml:"usage"`
	ModelList []ModelEntry   `yaml:"model_list"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// UpstreamConfig tunes the outbound HTTP client. A zero Timeout disables the overall deadline.
type UpstreamConfig struct {
	Timeout               time.Duration `yaml:"timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// UsageConfig controls token usage backfilling.
type UsageConfig struct {
	EstimateMissing bool `yaml:"estimate_missing"`
}

// ModelEntry is one litellm-style model_list item.
type ModelEntry struct {
	ModelName string        `yaml:"model_name"`
	Params    LiteLLMParams `yaml:"litellm_params"`
}

// LiteLLMParams holds the upstream binding of a model entry.
type LiteLLMParams struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	APIBase string `yaml:"api_base"`
}

// LoadOptions adjusts how Load resolves the environment.
type LoadOptions struct {
	// EnvFile is a dotenv file to load first. When empty, a .env file next to the
	// configuration is loaded if present.
	EnvFile string
}

// Default returns a configuration populated with default values and no models.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:               10 * time.Minute,
			DialTimeout:           10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "feathergate",
		},
	}
}

// Load reads YAML configuration from disk, substitutes ${VAR} placeholders and validates the result.
func Load(path string, opts LoadOptions) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	if err := loadEnvFile(absPath, opts.EnvFile); err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse substitutes environment placeholders in data, decodes it over the defaults and validates it.
func Parse(data []byte) (Config, error) {
	expanded, err := ExpandEnv(string(data), os.LookupEnv)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} placeholder using lookup. A missing variable is an error naming it.
func ExpandEnv(text string, lookup func(string) (string, bool)) (string, error) {
	var missing []string
	out := envPlaceholder.ReplaceAllStringFunc(text, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		value, ok := lookup(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable %s is not set", strings.Join(missing, ", "))
	}
	return out, nil
}

func loadEnvFile(configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
		return nil
	}

	candidate := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", candidate, err)
	}
	if err := godotenv.Load(candidate); err != nil {
		return fmt.Errorf("load env file %q: %w", candidate, err)
	}
	return nil
}

func (c *Config) normalise() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	for i := range c.ModelList {
		c.ModelList[i].ModelName = strings.TrimSpace(c.ModelList[i].ModelName)
		c.ModelList[i].Params.Model = strings.TrimSpace(c.ModelList[i].Params.Model)
		c.ModelList[i].Params.APIKey = strings.TrimSpace(c.ModelList[i].Params.APIKey)
		c.ModelList[i].Params.APIBase = strings.TrimSpace(c.ModelList[i].Params.APIBase)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	durations := map[string]time.Duration{
		"server.read_timeout":              c.Server.ReadTimeout,
		"server.write_timeout":             c.Server.WriteTimeout,
		"server.idle_timeout":              c.Server.IdleTimeout,
		"upstream.timeout":                 c.Upstream.Timeout,
		"upstream.dial_timeout":            c.Upstream.DialTimeout,
		"upstream.response_header_timeout": c.Upstream.ResponseHeaderTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Namespace) == "" {
		return errors.New("metrics.namespace must not be empty when metrics are enabled")
	}

	_, err := c.ModelConfigs()
	return err
}

// ModelConfigs resolves model_list into validated, immutable routing entries in file order.
func (c Config) ModelConfigs() ([]models.ModelConfig, error) {
	if len(c.ModelList) == 0 {
		return nil, errors.New("model_list must contain at least one model")
	}

	seen := make(map[string]struct{}, len(c.ModelList))
	out := make([]models.ModelConfig, 0, len(c.ModelList))
	for i, entry := range c.ModelList {
		mc, err := entry.resolve()
		if err != nil {
			return nil, fmt.Errorf("model_list[%d]: %w", i, err)
		}
		if _, dup := seen[mc.LogicalName]; dup {
			return nil, fmt.Errorf("model_list[%d]: duplicate model_name %q", i, mc.LogicalName)
		}
		seen[mc.LogicalName] = struct{}{}
		out = append(out, mc)
	}
	return out, nil
}

func (e ModelEntry) resolve() (models.ModelConfig, error) {
	if e.ModelName == "" {
		return models.ModelConfig{}, errors.New("model_name must not be empty")
	}

	p, upstreamID, err := ParseModelRef(e.Params.Model)
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("model %s: %w", e.ModelName, err)
	}

	if e.Params.APIKey == "" {
		return models.ModelConfig{}, fmt.Errorf("model %s: litellm_params.api_key must be provided", e.ModelName)
	}

	base := e.Params.APIBase
	if base == "" {
		base = defaultAPIBases[p]
	}
	if err := validateBaseURL(base); err != nil {
		return models.ModelConfig{}, fmt.Errorf("model %s: %w", e.ModelName, err)
	}

	return models.ModelConfig{
		LogicalName:     e.ModelName,
		Provider:        p,
		UpstreamModelID: upstreamID,
		APIKey:          e.Params.APIKey,
		APIBase:         strings.TrimRight(base, "/"),
	}, nil
}

// ParseModelRef splits "provider/model-id" on the first slash, so the model id may
// itself contain slashes (NIM and OpenRouter ids do). Both halves must be non-empty
// and the provider must be a known tag.
func ParseModelRef(ref string) (models.Provider, string, error) {
	tag, id, found := strings.Cut(ref, "/")
	tag, id = strings.TrimSpace(tag), strings.TrimSpace(id)
	if !found || tag == "" || id == "" {
		return "", "", fmt.Errorf("litellm_params.model %q must have the form provider/model-id", ref)
	}

	p, ok := models.ParseProvider(tag)
	if !ok {
		return "", "", fmt.Errorf("litellm_params.model %q: unsupported provider %q", ref, tag)
	}
	return p, id, nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("api_base %q is not a valid URL: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_base %q must be an absolute http(s) URL", raw)
	}
	return nil
}
