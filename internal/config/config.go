// Package config loads facilitator configuration from environment
// variables (and an optional TOML override file) once at process boot.
// Configuration is treated as immutable after Load returns; changing it
// requires a restart (spec.md 5).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all facilitator configuration.
type Config struct {
	Server     ServerConfig
	Chains     map[string]ChainConfig // keyed by CAIP-2 network id
	Signing    SigningConfig
	Bridge     BridgeConfig
	Storage    StorageConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Admin      AdminConfig
	Security   SecurityConfig
	RateLimit  RateLimitConfig
	Proxy      ProxyConfig
	Auth       AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int
	RequestTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// SecurityConfig holds request-filtering settings for the HTTP transport.
type SecurityConfig struct {
	FilterEnabled bool
	MaxBodySizeMB int
}

// RateLimitConfig holds per-(client IP, settlement network) token-bucket
// settings for the HTTP transport.
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	CleanupMinutes int
}

// ProxyConfig controls X-Forwarded-For trust for real-client-IP extraction.
type ProxyConfig struct {
	TrustProxy     bool
	TrustedProxies []string
}

// AuthConfig gates the admin bridge-job surface behind an API key.
type AuthConfig struct {
	Type   string // "none" or "api-key"
	APIKey string
}

// ChainConfig holds per-network RPC and USDC-allowlist settings.
type ChainConfig struct {
	Network      string // CAIP-2
	RPCURL       string
	USDCAsset    string // allowlisted USDC contract address on this network
	ReadTimeout  time.Duration
	ReceiptWait  time.Duration
}

// SigningConfig holds the settlement/bridge signer key material references.
// Keys are loaded once at boot and referenced, never copied, by the
// scheme and bridge-worker packages (spec.md 3, Ownership).
type SigningConfig struct {
	EVMPrivateKeyHex       string
	BridgeEVMPrivateKeyHex string // falls back to EVMPrivateKeyHex when empty
	DeployERC4337WithEIP6492 bool
}

// BridgeConfig holds cross-chain bridging settings.
type BridgeConfig struct {
	Enabled          bool
	MaxAttempts      int
	BaseBackoff      time.Duration
	ConfirmDeadline  time.Duration
	StaleAfter       time.Duration
	RecoveryInterval time.Duration
}

// StorageConfig holds bridge-job-store settings.
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

type SQLiteConfig struct {
	Path string
}

type PostgresConfig struct {
	URL string
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// AdminConfig holds settings for the admin bridge-status/cancel surface.
type AdminConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables. If a path is
// given via FACILITATOR_CONFIG, TOML values in that file are applied
// first and environment variables override them, matching the layered
// precedence contrafactory's CLI uses for its own --config flag.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("FACILITATOR_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Signing.EVMPrivateKeyHex = getEnv("EVM_PRIVATE_KEY", cfg.Signing.EVMPrivateKeyHex)
	cfg.Signing.BridgeEVMPrivateKeyHex = getEnv("BRIDGE_EVM_PRIVATE_KEY", cfg.Signing.BridgeEVMPrivateKeyHex)
	cfg.Signing.DeployERC4337WithEIP6492 = getEnvBool("DEPLOY_ERC4337_WITH_EIP6492", cfg.Signing.DeployERC4337WithEIP6492)
	cfg.Bridge.Enabled = getEnvBool("CROSS_CHAIN_ENABLED", cfg.Bridge.Enabled)

	defaultRPC := getEnv("EVM_RPC_URL", "")
	applyChainEnv(cfg, defaultRPC)

	cfg.Storage.Type = getEnv("STORAGE_TYPE", cfg.Storage.Type)
	cfg.Storage.SQLite.Path = getEnv("SQLITE_PATH", cfg.Storage.SQLite.Path)
	cfg.Storage.Postgres.URL = getEnv("DATABASE_URL", cfg.Storage.Postgres.URL)
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" && os.Getenv("STORAGE_TYPE") == "" {
		cfg.Storage.Type = "postgres"
	}

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvInt("METRICS_PORT", cfg.Metrics.Port)
	cfg.Admin.Enabled = getEnvBool("ADMIN_API_ENABLED", cfg.Admin.Enabled)

	cfg.Security.FilterEnabled = getEnvBool("SECURITY_FILTER_ENABLED", cfg.Security.FilterEnabled)
	cfg.Security.MaxBodySizeMB = getEnvInt("MAX_BODY_SIZE_MB", cfg.Security.MaxBodySizeMB)
	cfg.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerMin = getEnvInt("RATE_LIMIT_PER_MIN", cfg.RateLimit.RequestsPerMin)
	cfg.RateLimit.BurstSize = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.BurstSize)
	cfg.RateLimit.CleanupMinutes = getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", cfg.RateLimit.CleanupMinutes)
	cfg.Proxy.TrustProxy = getEnvBool("TRUST_PROXY", cfg.Proxy.TrustProxy)
	if proxies := getEnv("TRUSTED_PROXIES", ""); proxies != "" {
		cfg.Proxy.TrustedProxies = strings.Split(proxies, ",")
	}
	cfg.Auth.Type = getEnv("ADMIN_AUTH_TYPE", cfg.Auth.Type)
	cfg.Auth.APIKey = getEnv("ADMIN_API_KEY", cfg.Auth.APIKey)

	if cfg.Admin.Enabled && cfg.Auth.Type == "api-key" && cfg.Auth.APIKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY is required when ADMIN_AUTH_TYPE=api-key")
	}

	if cfg.Signing.EVMPrivateKeyHex == "" {
		return nil, fmt.Errorf("EVM_PRIVATE_KEY is required")
	}
	if cfg.Signing.BridgeEVMPrivateKeyHex == "" {
		cfg.Signing.BridgeEVMPrivateKeyHex = cfg.Signing.EVMPrivateKeyHex
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            4022,
			RequestTimeout:  30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Chains: defaultChains(),
		Bridge: BridgeConfig{
			Enabled:          true,
			MaxAttempts:      3,
			BaseBackoff:      time.Second,
			ConfirmDeadline:  120 * time.Second,
			StaleAfter:       10 * time.Minute,
			RecoveryInterval: time.Minute,
		},
		Storage: StorageConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{Path: "./data/facilitator.db"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: false, Port: 9090},
		Admin:   AdminConfig{Enabled: true},
		Security: SecurityConfig{
			FilterEnabled: true,
			MaxBodySizeMB: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 300,
			BurstSize:      50,
			CleanupMinutes: 10,
		},
		Auth: AuthConfig{Type: "none"},
	}
}

// defaultChains seeds the well-known CAIP-2 networks named in spec.md 6.
// USDCAsset is left blank, so no asset is allowlisted until
// USDC_ALLOWLIST_<CAIP2> sets it; RPCURL is left blank and resolved from
// EVM_RPC_URL or per-chain env overrides at Load time.
func defaultChains() map[string]ChainConfig {
	networks := []string{
		"eip155:1", "eip155:8453", "eip155:84532", "eip155:11155111",
		"eip155:137", "eip155:42161", "eip155:421614", "eip155:80002",
	}
	chains := make(map[string]ChainConfig, len(networks))
	for _, n := range networks {
		chains[n] = ChainConfig{
			Network:     n,
			ReadTimeout: 30 * time.Second,
			ReceiptWait: 120 * time.Second,
		}
	}
	return chains
}

// applyChainEnv layers per-chain RPC/USDC overrides:
// EVM_RPC_URL_<CAIP2 with ':' -> '_'> and USDC_ALLOWLIST_<CAIP2>.
func applyChainEnv(cfg *Config, defaultRPC string) {
	for network, chain := range cfg.Chains {
		key := strings.ToUpper(strings.ReplaceAll(network, ":", "_"))
		if rpc := os.Getenv("EVM_RPC_URL_" + key); rpc != "" {
			chain.RPCURL = rpc
		} else if chain.RPCURL == "" {
			chain.RPCURL = defaultRPC
		}
		if usdc := os.Getenv("USDC_ALLOWLIST_" + key); usdc != "" {
			chain.USDCAsset = usdc
		}
		cfg.Chains[network] = chain
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true" || v == "1"
	}
	return defaultValue
}
