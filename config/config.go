package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds environment driven configuration values.
// Sensitive data should never have defaults inside code and must be provided via env files or the environment.
type AppConfig struct {
	AppPort            string
	RateLimitPerMinute int
	AllowedOrigins     []string
	// Gin framework configuration
	GinMode string
	GinPath string
	// Ledger
	RPCURL             string
	ContractAddress    string
	ChainRetryAttempts int
	ChainRetryDelayMS  int
	ChainCallTimeoutMS int
	ChainRatePerSecond float64
	ChainRateBurst     int
	// Reconciliation policy
	RequireTx     bool
	ReferralBonus bool
	// Database
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	// Redis user cache
	CacheEnabled    bool
	UserCacheTTLSec int
	RedisHost       string
	RedisPort       int
	RedisDB         int
	RedisPassword   string
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

var cfg AppConfig
var loaded bool

// envFiles are read in order; a variable set by an earlier file or by the real environment wins.
var envFiles = []string{".env", ".env.public"}

// Load loads the application configuration. It should be called once during boot.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err == nil {
			log.Printf("loaded environment from %s", f)
		}
	}

	// Precedence: built-in flags -> config/config.json -> defaults -> environment variable overrides
	cfg = AppConfig{ReferralBonus: true}
	if err := loadJSONConfig(filepath.Join("config", "config.json"), &cfg); err != nil {
		log.Fatalf("invalid config/config.json: %v", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if cfg.RPCURL == "" {
		log.Fatal("RPC_URL must be set in environment variables")
	}
	if cfg.ContractAddress == "" {
		log.Fatal("CONTRACT_ADDRESS must be set in environment variables")
	}

	loaded = true
	return cfg
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads JSON file into cfg if present. Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if s, ok := m[key].(string); ok {
			return s
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if f, ok := m[key].(float64); ok {
			return int(f)
		}
		return 0
	}
	setBool := func(m map[string]any, key string, dst *bool) {
		if b, ok := m[key].(bool); ok {
			*dst = b
		}
	}
	getStringSlice := func(m map[string]any, key string) []string {
		arr, ok := m[key].([]any)
		if !ok {
			return nil
		}
		res := make([]string, 0, len(arr))
		for _, it := range arr {
			if s, ok := it.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.RateLimitPerMinute = getInt(app, "RateLimitPerMinute")
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
		setBool(app, "RequireTx", &out.RequireTx)
		setBool(app, "ReferralBonus", &out.ReferralBonus)
	}

	if g, ok := raw["gin"].(map[string]any); ok {
		out.GinMode = getString(g, "Mode")
		out.GinPath = getString(g, "LogPath")
	}

	if ch, ok := raw["chain"].(map[string]any); ok {
		out.RPCURL = getString(ch, "RPCURL")
		out.ContractAddress = getString(ch, "ContractAddress")
		out.ChainRetryAttempts = getInt(ch, "RetryAttempts")
		out.ChainRetryDelayMS = getInt(ch, "RetryDelayMS")
		out.ChainCallTimeoutMS = getInt(ch, "CallTimeoutMS")
		if f, ok := ch["RatePerSecond"].(float64); ok {
			out.ChainRatePerSecond = f
		}
		out.ChainRateBurst = getInt(ch, "RateBurst")
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DBDriver = getString(dbs, "Driver")
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		setBool(rds, "Enabled", &out.CacheEnabled)
		out.UserCacheTTLSec = getInt(rds, "UserCacheTTLSec")
		out.RedisHost = getString(rds, "RedisHost")
		out.RedisPort = getInt(rds, "RedisPort")
		out.RedisDB = getInt(rds, "RedisDB")
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		out.LogLevel = getString(lg, "Level")
		out.LogPath = getString(lg, "Path")
		out.LogMaxSizeMB = getInt(lg, "MaxSizeMB")
		out.LogMaxBackups = getInt(lg, "MaxBackups")
		out.LogMaxAgeDays = getInt(lg, "MaxAgeDays")
		setBool(lg, "Compress", &out.LogCompress)
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 120
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ChainRetryAttempts == 0 {
		c.ChainRetryAttempts = 120
	}
	if c.ChainRetryDelayMS == 0 {
		c.ChainRetryDelayMS = 1000
	}
	if c.ChainCallTimeoutMS == 0 {
		c.ChainCallTimeoutMS = 5000
	}
	if c.ChainRatePerSecond == 0 {
		c.ChainRatePerSecond = 10
	}
	if c.ChainRateBurst == 0 {
		c.ChainRateBurst = 10
	}
	if c.DBDriver == "" {
		c.DBDriver = "postgres"
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		if c.DBDriver == "mysql" {
			c.DBPort = "3306"
		} else {
			c.DBPort = "5432"
		}
	}
	if c.DBUser == "" {
		c.DBUser = "postgres"
	}
	if c.DBName == "" {
		c.DBName = "monascore"
	}
	if c.UserCacheTTLSec == 0 {
		c.UserCacheTTLSec = 60
	}
	if c.RedisHost == "" {
		c.RedisHost = "127.0.0.1"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	// SERVER_PORT is the historical name of the listen port
	if v := getEnv("SERVER_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitAndTrim(v)
	}
	if v := getEnv("RPC_URL", ""); v != "" {
		c.RPCURL = v
	}
	if v := getEnv("CONTRACT_ADDRESS", ""); v != "" {
		c.ContractAddress = v
	}
	if v := getEnv("CHAIN_RETRY_ATTEMPTS", ""); v != "" {
		c.ChainRetryAttempts = mustParseInt(v)
	}
	if v := getEnv("CHAIN_RETRY_DELAY_MS", ""); v != "" {
		c.ChainRetryDelayMS = mustParseInt(v)
	}
	if v := getEnv("CHAIN_CALL_TIMEOUT_MS", ""); v != "" {
		c.ChainCallTimeoutMS = mustParseInt(v)
	}
	if v := getEnv("CHAIN_RATE_PER_SECOND", ""); v != "" {
		c.ChainRatePerSecond = mustParseFloat(v)
	}
	if v := getEnv("CHAIN_RATE_BURST", ""); v != "" {
		c.ChainRateBurst = mustParseInt(v)
	}
	if v := getEnv("REQUIRE_TX", ""); v != "" {
		c.RequireTx = v == "true"
	}
	if v := getEnv("REFERRAL_BONUS", ""); v != "" {
		c.ReferralBonus = v == "true"
	}
	if v := getEnv("DB_DRIVER", ""); v != "" {
		c.DBDriver = strings.ToLower(v)
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	// DB_DATABASE is accepted for compatibility with older deployments
	if v := getEnv("DB_DATABASE", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("CACHE_ENABLED", ""); v != "" {
		c.CacheEnabled = v == "true"
	}
	if v := getEnv("USER_CACHE_TTL_SEC", ""); v != "" {
		c.UserCacheTTLSec = mustParseInt(v)
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func mustParseFloat(val string) float64 {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Fatalf("invalid number value %s: %v", val, err)
	}
	return f
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
