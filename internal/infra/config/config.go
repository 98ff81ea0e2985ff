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
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Instances InstancesConfig `yaml:"instances"`
	Channels  []ChannelConfig `yaml:"channels"`
	Routing   RoutingConfig   `yaml:"routing"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// InstancesConfig holds the instance-configuration store settings.
type InstancesConfig struct {
	DBPath string `yaml:"db_path"`
}

// RoutingConfig holds router-wide settings.
type RoutingConfig struct {
	// MinSendInterval is the minimum delay between consecutive sends to the
	// same recipient.
	MinSendInterval time.Duration `yaml:"min_send_interval"`
	// TypingRefresh is how often the composing presence is re-sent while a
	// streaming session is active.
	TypingRefresh time.Duration `yaml:"typing_refresh"`
	// TypingTTL is how long each presence request asks the channel to hold
	// the indicator.
	TypingTTL time.Duration `yaml:"typing_ttl"`
	// CircuitBreaker enables the gobreaker wrapper on backend clients.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for backend clients.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ChannelConfig holds settings for a single channel.
type ChannelConfig struct {
	Type string `yaml:"type"`

	// Per-channel nested config (only one should be set, matching Type).
	Evolution *EvolutionChannelConfig `yaml:"evolution,omitempty"`
	Discord   *DiscordChannelConfig   `yaml:"discord,omitempty"`
}

// EvolutionChannelConfig holds WhatsApp-via-Evolution-bridge settings.
type EvolutionChannelConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Instance    string        `yaml:"instance"`
	WebhookAddr string        `yaml:"webhook_addr,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token    string `yaml:"token"`
	Instance string `yaml:"instance"`
	GuildID  string `yaml:"guild_id,omitempty"`
}

// PoolConfig holds HTTP connection pool settings for backend clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// BackendConfig holds HTTP settings for a single backend client.
type BackendConfig struct {
	Name        string        `yaml:"name"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// Defaults returns a Config populated with production defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Instances: InstancesConfig{
			DBPath: filepath.Join(defaultDataDir(), "instances.db"),
		},
		Routing: RoutingConfig{
			MinSendInterval: 500 * time.Millisecond,
			TypingRefresh:   5 * time.Second,
			TypingTTL:       15 * time.Second,
		},
	}
}

// defaultDataDir returns the persistent data directory under $HOME/.omnigate.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".omnigate", "data")
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

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

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("OMNIGATE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps OMNIGATE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OMNIGATE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("OMNIGATE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("OMNIGATE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("OMNIGATE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("OMNIGATE_INSTANCES_DB"); v != "" {
		cfg.Instances.DBPath = v
	}
	if v := os.Getenv("OMNIGATE_MIN_SEND_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.MinSendInterval = d
		}
	}
}

// Validate checks cross-field constraints that YAML decoding cannot express.
func Validate(cfg *Config) error {
	if cfg.Routing.MinSendInterval < 0 {
		return fmt.Errorf("routing.min_send_interval must not be negative")
	}
	if cfg.Routing.TypingRefresh > 0 && cfg.Routing.TypingTTL > 0 &&
		cfg.Routing.TypingRefresh >= cfg.Routing.TypingTTL {
		return fmt.Errorf("routing.typing_refresh must be shorter than routing.typing_ttl")
	}
	for i, ch := range cfg.Channels {
		switch ch.Type {
		case "evolution":
			if ch.Evolution == nil || ch.Evolution.BaseURL == "" || ch.Evolution.Instance == "" {
				return fmt.Errorf("channels[%d]: evolution channel needs base_url and instance", i)
			}
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" || ch.Discord.Instance == "" {
				return fmt.Errorf("channels[%d]: discord channel needs a token and instance", i)
			}
		default:
			return fmt.Errorf("channels[%d]: unknown channel type %q", i, ch.Type)
		}
	}
	return nil
}

// decryptSecrets resolves enc:-prefixed secret values in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		var fields []*string
		if ch.Evolution != nil {
			fields = append(fields, &ch.Evolution.APIKey)
		}
		if ch.Discord != nil {
			fields = append(fields, &ch.Discord.Token)
		}
		for _, fp := range fields {
			if strings.HasPrefix(*fp, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("channel %s secret: %w", ch.Type, err)
				}
				*fp = decrypted
			}
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
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
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
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
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
