package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	settingsFile        = "config/setting.ini"
	defaultEnv          = "dev"
	relayConfigPattern  = "config/%s/relay.ini"
	clientConfigPattern = "config/%s/chatctl.ini"
	dotEnvFile          = ".env"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for relayd.
type RelayConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string
	// Engine selects native HTTP adapters, langchaingo clients or the offline loopback.
	Engine string
	// UpstreamTimeout bounds each upstream call, including the streamed body.
	UpstreamTimeout time.Duration
	// Per-provider endpoint overrides; empty keeps the built-in default.
	DeepSeekBaseURL  string
	OpenAIBaseURL    string
	AnthropicBaseURL string
	AnthropicVersion string
	GoogleBaseURL    string
	// Optional YAML file overriding default models and base URLs
	ModelCatalogFile string
	// OTLP/HTTP collector endpoint; tracing is disabled when empty
	TraceEndpoint  string
	MetricsEnabled bool
	// Seconds to wait for in-flight streams on shutdown
	ShutdownGrace time.Duration
}

// ClientConfig describes runtime options for chatctl.
type ClientConfig struct {
	Environment    string
	RelayURL       string
	StoreDriver    string // sqlite|postgres|memory
	StoreDSN       string
	RequestTimeout time.Duration // 0 = unbounded
	LogFile        string
	LogLevel       string
}

// LoadDotEnv loads root/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(root string) error {
	if root == "" {
		root = "."
	}
	path := filepath.Join(root, dotEnvFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadRelayConfig reads the current environment and loads the relay config file.
// Priority: CHATRELAY_* environment > config/<env>/relay.ini > config/setting.ini > defaults.
func LoadRelayConfig(root string) (RelayConfig, error) {
	env, merged, err := loadMerged(root, relayConfigPattern)
	if err != nil {
		return RelayConfig{}, err
	}

	cfg := RelayConfig{
		Environment:      env,
		HTTPAddress:      firstNonEmpty(os.Getenv("CHATRELAY_HTTP_ADDRESS"), merged["http_address"], ":8080"),
		LogFile:          firstNonEmpty(os.Getenv("CHATRELAY_LOG_FILE"), merged["log_file"]),
		LogLevel:         strings.ToLower(firstNonEmpty(os.Getenv("CHATRELAY_LOG_LEVEL"), merged["log_level"], "info")),
		Engine:           strings.ToLower(firstNonEmpty(os.Getenv("CHATRELAY_ENGINE"), merged["engine"], "native")),
		DeepSeekBaseURL:  firstNonEmpty(os.Getenv("CHATRELAY_DEEPSEEK_BASE_URL"), merged["deepseek_base_url"]),
		OpenAIBaseURL:    firstNonEmpty(os.Getenv("CHATRELAY_OPENAI_BASE_URL"), merged["openai_base_url"]),
		AnthropicBaseURL: firstNonEmpty(os.Getenv("CHATRELAY_ANTHROPIC_BASE_URL"), merged["anthropic_base_url"]),
		AnthropicVersion: firstNonEmpty(os.Getenv("CHATRELAY_ANTHROPIC_VERSION"), merged["anthropic_version"], "2023-06-01"),
		GoogleBaseURL:    firstNonEmpty(os.Getenv("CHATRELAY_GOOGLE_BASE_URL"), merged["google_base_url"]),
		ModelCatalogFile: firstNonEmpty(os.Getenv("CHATRELAY_MODEL_CATALOG_FILE"), merged["model_catalog_file"]),
		TraceEndpoint:    firstNonEmpty(os.Getenv("CHATRELAY_TRACE_ENDPOINT"), merged["trace_endpoint"]),
		MetricsEnabled:   parseOptionalBool(firstNonEmpty(os.Getenv("CHATRELAY_METRICS_ENABLED"), merged["metrics_enabled"]), true),
	}
	switch cfg.Engine {
	case "native", "langchain", "loopback":
	default:
		return RelayConfig{}, fmt.Errorf("invalid engine %q (want native, langchain or loopback)", cfg.Engine)
	}

	timeout, err := parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_UPSTREAM_TIMEOUT"), merged["upstream_timeout"]), 2*time.Minute)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("invalid upstream_timeout: %w", err)
	}
	cfg.UpstreamTimeout = timeout

	grace := parseOptionalInt(firstNonEmpty(os.Getenv("CHATRELAY_SHUTDOWN_GRACE_SECONDS"), merged["shutdown_grace_seconds"]), 10)
	cfg.ShutdownGrace = time.Duration(grace) * time.Second
	return cfg, nil
}

// LoadClientConfig loads config/<env>/chatctl.ini with CHATRELAY_* overrides.
func LoadClientConfig(root string) (ClientConfig, error) {
	env, merged, err := loadMerged(root, clientConfigPattern)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg := ClientConfig{
		Environment: env,
		RelayURL:    strings.TrimSuffix(firstNonEmpty(os.Getenv("CHATRELAY_RELAY_URL"), merged["relay_url"], "http://localhost:8080"), "/"),
		StoreDriver: strings.ToLower(firstNonEmpty(os.Getenv("CHATRELAY_STORE_DRIVER"), merged["store_driver"], "sqlite")),
		StoreDSN:    firstNonEmpty(os.Getenv("CHATRELAY_STORE_DSN"), merged["store_dsn"]),
		LogFile:     firstNonEmpty(os.Getenv("CHATRELAY_CLIENT_LOG_FILE"), merged["log_file"]),
		LogLevel:    strings.ToLower(firstNonEmpty(os.Getenv("CHATRELAY_CLIENT_LOG_LEVEL"), merged["log_level"], "info")),
	}
	switch cfg.StoreDriver {
	case "sqlite":
		cfg.StoreDSN = firstNonEmpty(cfg.StoreDSN, DefaultStorePath())
	case "postgres":
		if cfg.StoreDSN == "" {
			return ClientConfig{}, errors.New("store_dsn is required for the postgres store")
		}
	case "memory":
	default:
		return ClientConfig{}, fmt.Errorf("invalid store_driver %q (want sqlite, postgres or memory)", cfg.StoreDriver)
	}
	timeout, err := parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_REQUEST_TIMEOUT"), merged["request_timeout"]), 0)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid request_timeout: %w", err)
	}
	cfg.RequestTimeout = timeout
	return cfg, nil
}

func loadMerged(root, pattern string) (string, map[string]string, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return "", nil, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(pattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return "", nil, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	return s.Environment, merged, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv("CHATRELAY_ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("CHATRELAY_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

// parseOptionalDuration accepts Go durations ("90s") or bare seconds ("90").
func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultStorePath returns the fallback conversation database under the user's home directory.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat.db"
	}
	return filepath.Join(home, ".chatrelay", "chat.db")
}
