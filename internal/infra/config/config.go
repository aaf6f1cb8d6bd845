package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Files   FilesConfig   `yaml:"files"`
	MCP     MCPConfig     `yaml:"mcp"`
	Gateway GatewayConfig `yaml:"gateway"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Env             string        `yaml:"env"` // development, test, production
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IsProduction reports whether error details must be withheld from clients.
func (s ServerConfig) IsProduction() bool { return s.Env == "production" }

// LLMConfig holds settings for the single LLM provider.
type LLMConfig struct {
	Provider       string               `yaml:"provider"` // only "anthropic"
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	BaseURL        string               `yaml:"base_url,omitempty"`
	MaxTokens      int                  `yaml:"max_tokens"`
	GenerateTokens int                  `yaml:"generate_tokens"`
	CallTimeout    time.Duration        `yaml:"call_timeout"` // 0 = no per-call deadline
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// Configured reports whether enough is set to talk to the provider.
func (l LLMConfig) Configured() bool {
	return strings.TrimSpace(l.APIKey) != "" && strings.TrimSpace(l.Model) != ""
}

// CircuitBreakerConfig holds circuit breaker settings for the LLM provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for the LLM provider.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// FilesConfig selects the file writer and its output root.
type FilesConfig struct {
	Writer     string `yaml:"writer"` // "local" or "mcp"
	OutputsDir string `yaml:"outputs_dir"`
}

// MCPConfig holds settings for the MCP filesystem server used by the mcp writer.
type MCPConfig struct {
	Transport           string            `yaml:"transport"` // "stdio" or "http"
	Command             string            `yaml:"command,omitempty"`
	Args                []string          `yaml:"args,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	URL                 string            `yaml:"url,omitempty"`
	ToolCreateFile      string            `yaml:"tool_create_file"`
	ToolCreateDirectory string            `yaml:"tool_create_directory"`
	Timeout             time.Duration     `yaml:"timeout"`
}

// GatewayConfig holds websocket gateway settings.
type GatewayConfig struct {
	Path            string        `yaml:"path"`
	MaxPayload      int64         `yaml:"max_payload"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	RateLimit       float64       `yaml:"rate_limit"` // inbound events per second per connection
	RateBurst       int           `yaml:"rate_burst"`
	HistoryReplay   int           `yaml:"history_replay"`
	ChatLogCapacity int           `yaml:"chat_log_capacity"`
	AllowedOrigins  []string      `yaml:"allowed_origins,omitempty"`

	// HTTP requests (including websocket upgrades) per minute per client IP; 0 disables.
	HTTPRatePerMin int      `yaml:"http_rate_per_min"`
	HTTPRateBurst  int      `yaml:"http_rate_burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // noop, stdout, otlp
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4000",
			Env:             "development",
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			Model:          "claude-3-7-sonnet-20250219",
			MaxTokens:      1024,
			GenerateTokens: 4096,
			ConnTimeout:    30 * time.Second,
			RespTimeout:    120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Files: FilesConfig{
			Writer:     "local",
			OutputsDir: "./outputs",
		},
		MCP: MCPConfig{
			Transport:           "stdio",
			Command:             "npx",
			Args:                []string{"@modelcontextprotocol/server-filesystem", "."},
			ToolCreateFile:      "write_file",
			ToolCreateDirectory: "create_directory",
			Timeout:             30 * time.Second,
		},
		Gateway: GatewayConfig{
			Path:            "/ws",
			MaxPayload:      262144,
			PingInterval:    30 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
			HistoryReplay:   200,
			ChatLogCapacity: 500,
			HTTPRatePerMin:  120,
			HTTPRateBurst:   30,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "relay-ai",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("RELAYAI_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables to config fields. The
// conventional names (ANTHROPIC_API_KEY, AI_MODEL, PORT, ...) are applied
// first; RELAYAI_* variables win over them.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("FILE_WRITER"); v != "" {
		cfg.Files.Writer = v
	}
	if v := os.Getenv("OUTPUTS_DIR"); v != "" {
		cfg.Files.OutputsDir = v
	}
	if v := os.Getenv("MCP_TOOL_CREATE_FILE"); v != "" {
		cfg.MCP.ToolCreateFile = v
	}
	if v := os.Getenv("WS_MAX_PAYLOAD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Gateway.MaxPayload = n
		}
	}

	if v := os.Getenv("RELAYAI_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("RELAYAI_SERVER_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("RELAYAI_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RELAYAI_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("RELAYAI_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("RELAYAI_LLM_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.CallTimeout = d
		}
	}
	if v := os.Getenv("RELAYAI_FILES_WRITER"); v != "" {
		cfg.Files.Writer = v
	}
	if v := os.Getenv("RELAYAI_FILES_OUTPUTS_DIR"); v != "" {
		cfg.Files.OutputsDir = v
	}
	if v := os.Getenv("RELAYAI_MCP_TRANSPORT"); v != "" {
		cfg.MCP.Transport = v
	}
	if v := os.Getenv("RELAYAI_MCP_COMMAND"); v != "" {
		cfg.MCP.Command = v
	}
	if v := os.Getenv("RELAYAI_MCP_ARGS"); v != "" {
		cfg.MCP.Args = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RELAYAI_MCP_URL"); v != "" {
		cfg.MCP.URL = v
	}
	if v := os.Getenv("RELAYAI_GATEWAY_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("RELAYAI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYAI_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYAI_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYAI_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("RELAYAI_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("RELAYAI_METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"llm.api_key": &cfg.LLM.APIKey,
		"mcp.url":     &cfg.MCP.URL,
	}
	for name, fp := range secrets {
		v, err := decryptField(*fp, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = v
	}

	// MCP server env often carries tokens for the filesystem server.
	for k, val := range cfg.MCP.Env {
		v, err := decryptField(val, passphrase)
		if err != nil {
			return fmt.Errorf("mcp.env.%s: %w", k, err)
		}
		cfg.MCP.Env[k] = v
	}
	return nil
}

func decryptField(v, passphrase string) (string, error) {
	if !strings.HasPrefix(v, "enc:") {
		return v, nil
	}
	return DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
