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

// ConfigKeyEnv names the variable holding the passphrase for enc: values.
const ConfigKeyEnv = "LODESTONE_CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level launcher configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Plugins PluginsConfig `yaml:"plugins"`
}

// PluginsConfig holds plugin system settings.
type PluginsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Disabled []string `yaml:"disabled"`  // glob patterns matched against plugin ids
	CacheDir string   `yaml:"cache_dir"` // compiled module artifacts; "" = <data_dir>/plugin-cache
	Watch    bool     `yaml:"watch"`     // evict cached modules when their file changes

	ModuleMemoryMB int           `yaml:"module_memory_mb"` // applies to every module instance
	ExecTimeout    time.Duration `yaml:"exec_timeout"`     // default module call deadline, 0 = none
	WaitDelay      time.Duration `yaml:"wait_delay"`       // grace period for executable output after exit

	Breaker BreakerConfig `yaml:"breaker"`

	// Custom overlays each plugin's manifest config, keyed by plugin id.
	// String values may be "enc:"-encrypted.
	Custom map[string]map[string]any `yaml:"custom,omitempty"`
}

// BreakerConfig holds per-plugin circuit breaker settings.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
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
}

// defaultDataDir returns the persistent data directory under $HOME/.lodestone.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".lodestone")
}

// DefaultPath returns the config file used when none is given: config.yaml
// in LODESTONE_DATA_DIR, or in ~/.lodestone.
func DefaultPath() string {
	dir := os.Getenv("LODESTONE_DATA_DIR")
	if dir == "" {
		dir = defaultDataDir()
	}
	return filepath.Join(dir, "config.yaml")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir: dataDir,
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Plugins: PluginsConfig{
			Dirs:           []string{filepath.Join(dataDir, "plugins")},
			ModuleMemoryMB: 64,
			ExecTimeout:    30 * time.Second,
			WaitDelay:      2 * time.Second,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    5 * time.Minute,
			},
		},
	}
}

// PluginCacheDir returns where compiled module artifacts are kept.
func (c *Config) PluginCacheDir() string {
	if c.Plugins.CacheDir != "" {
		return c.Plugins.CacheDir
	}
	return filepath.Join(c.DataDir, "plugin-cache")
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

	if passphrase := os.Getenv(ConfigKeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps LODESTONE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LODESTONE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LODESTONE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LODESTONE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LODESTONE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LODESTONE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LODESTONE_PLUGINS_DIRS"); v != "" {
		cfg.Plugins.Dirs = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LODESTONE_PLUGINS_DISABLED"); v != "" {
		cfg.Plugins.Disabled = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LODESTONE_PLUGINS_CACHE_DIR"); v != "" {
		cfg.Plugins.CacheDir = v
	}
	if v := os.Getenv("LODESTONE_PLUGINS_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Plugins.Watch = b
		}
	}
	if v := os.Getenv("LODESTONE_PLUGINS_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Plugins.ExecTimeout = d
		}
	}
	if v := os.Getenv("LODESTONE_PLUGINS_MODULE_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Plugins.ModuleMemoryMB = n
		}
	}
	if v := os.Getenv("LODESTONE_PLUGINS_BREAKER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Plugins.Breaker.Enabled = b
		}
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

// decryptSecrets replaces "enc:..." strings inside plugin custom config.
func decryptSecrets(cfg *Config, passphrase string) error {
	for id, values := range cfg.Plugins.Custom {
		for key, v := range values {
			decrypted, err := decryptTree(v, passphrase)
			if err != nil {
				return fmt.Errorf("plugins.custom.%s.%s: %w", id, key, err)
			}
			values[key] = decrypted
		}
	}
	return nil
}

func decryptTree(v any, passphrase string) (any, error) {
	switch t := v.(type) {
	case string:
		if !strings.HasPrefix(t, encPrefix) {
			return t, nil
		}
		return DecryptValue(strings.TrimPrefix(t, encPrefix), passphrase)
	case map[string]any:
		for k, inner := range t {
			d, err := decryptTree(inner, passphrase)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			t[k] = d
		}
		return t, nil
	case []any:
		for i, inner := range t {
			d, err := decryptTree(inner, passphrase)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t[i] = d
		}
		return t, nil
	default:
		return v, nil
	}
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

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	rawSalt, rawData, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(rawSalt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(rawData)
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
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
