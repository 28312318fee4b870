package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fundsettle/pkg/crypto"
	"fundsettle/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Protocol ProtocolConfig
	Events   EventsConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port            int
	Host            string
	UseHTTPS        bool
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД журнала
type DatabaseConfig struct {
	Enabled  bool // без БД журнал живёт только в потоке websocket
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки доступа к API
type SecurityConfig struct {
	APIKeyHash   string   // bcrypt хеш ключа оператора; пусто = ключ не требуется
	CallerHeader string   // заголовок с адресом вызывающего
	CORSOrigins  []string // пусто = любой источник
	RateLimit    float64  // запросов в секунду на вызывающего
	RateBurst    float64
}

// ProtocolConfig - параметры протокола
type ProtocolConfig struct {
	Owner                   string
	RegistryAddress         string
	GatewayAddress          string
	MaxTrackedAssets        int
	MigrationTimelock       time.Duration
	ReconfigurationTimelock time.Duration // таймлок первого релиза
	InitialRelease          string
	SlippageTolerancePeriod time.Duration
	SlippageDustThreshold   decimal.Decimal
	AssetBypassTimelock     time.Duration
	AssetBypassTimeLimit    time.Duration
	PriceMaxStaleness       time.Duration
}

// EventsConfig - доставка событий
type EventsConfig struct {
	BufferSize     int // очередь записи журнала
	PersistRetries int
	Retention      time.Duration // 0 = хранить всё
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:        getEnvAsBool("USE_HTTPS", false),
			CertFile:        getEnv("CERT_FILE", ""),
			KeyFile:         getEnv("KEY_FILE", ""),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", true),
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "fundsettle"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			APIKeyHash:   getEnv("API_KEY_HASH", ""),
			CallerHeader: getEnv("CALLER_HEADER", "X-Caller-Address"),
			CORSOrigins:  getEnvAsList("CORS_ORIGINS"),
			RateLimit:    getEnvAsFloat("RATE_LIMIT", 20),
			RateBurst:    getEnvAsFloat("RATE_BURST", 40),
		},
		Protocol: ProtocolConfig{
			Owner:                   getEnv("PROTOCOL_OWNER", ""),
			RegistryAddress:         getEnv("REGISTRY_ADDRESS", "0xfundregistry"),
			GatewayAddress:          getEnv("GATEWAY_ADDRESS", "0xintegrationgateway"),
			MaxTrackedAssets:        getEnvAsInt("MAX_TRACKED_ASSETS", 20),
			MigrationTimelock:       getEnvAsDuration("MIGRATION_TIMELOCK", 7*24*time.Hour),
			ReconfigurationTimelock: getEnvAsDuration("RECONFIGURATION_TIMELOCK", 2*24*time.Hour),
			InitialRelease:          getEnv("INITIAL_RELEASE", "v1"),
			SlippageTolerancePeriod: getEnvAsDuration("SLIPPAGE_TOLERANCE_PERIOD", 7*24*time.Hour),
			SlippageDustThreshold:   getEnvAsDecimal("SLIPPAGE_DUST_THRESHOLD", decimal.New(1, -6)),
			AssetBypassTimelock:     getEnvAsDuration("ASSET_BYPASS_TIMELOCK", 7*24*time.Hour),
			AssetBypassTimeLimit:    getEnvAsDuration("ASSET_BYPASS_TIME_LIMIT", 2*24*time.Hour),
			PriceMaxStaleness:       getEnvAsDuration("PRICE_MAX_STALENESS", 24*time.Hour),
		},
		Events: EventsConfig{
			BufferSize:     getEnvAsInt("EVENT_BUFFER_SIZE", 1024),
			PersistRetries: getEnvAsInt("EVENT_PERSIST_RETRIES", 6),
			Retention:      getEnvAsDuration("EVENT_RETENTION", 0),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", ""),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	// Владелец протокола обязателен: им подписываются все админ-операции
	if err := cfg.validateProtocol(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateProtocol проверяет адреса протокола
func (c *Config) validateProtocol() error {
	if c.Protocol.Owner == "" {
		return fmt.Errorf("PROTOCOL_OWNER is required")
	}
	for name, addr := range map[string]string{
		"PROTOCOL_OWNER":   c.Protocol.Owner,
		"REGISTRY_ADDRESS": c.Protocol.RegistryAddress,
		"GATEWAY_ADDRESS":  c.Protocol.GatewayAddress,
	} {
		if err := utils.ValidateAddress(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if utils.NormalizeAddress(c.Protocol.RegistryAddress) == utils.NormalizeAddress(c.Protocol.GatewayAddress) {
		return fmt.Errorf("REGISTRY_ADDRESS and GATEWAY_ADDRESS must differ")
	}
	if strings.TrimSpace(c.Protocol.InitialRelease) == "" {
		return fmt.Errorf("INITIAL_RELEASE cannot be empty")
	}
	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Server.UseHTTPS && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("CERT_FILE and KEY_FILE are required when USE_HTTPS is set")
	}

	if c.Protocol.MaxTrackedAssets < 1 {
		return fmt.Errorf("MAX_TRACKED_ASSETS must be positive, got %d", c.Protocol.MaxTrackedAssets)
	}

	for name, d := range map[string]time.Duration{
		"MIGRATION_TIMELOCK":       c.Protocol.MigrationTimelock,
		"RECONFIGURATION_TIMELOCK": c.Protocol.ReconfigurationTimelock,
		"ASSET_BYPASS_TIMELOCK":    c.Protocol.AssetBypassTimelock,
	} {
		if err := utils.ValidateTimelock(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.Protocol.SlippageTolerancePeriod <= 0 {
		return fmt.Errorf("SLIPPAGE_TOLERANCE_PERIOD must be positive, got %v", c.Protocol.SlippageTolerancePeriod)
	}

	if c.Protocol.AssetBypassTimeLimit <= 0 {
		return fmt.Errorf("ASSET_BYPASS_TIME_LIMIT must be positive, got %v", c.Protocol.AssetBypassTimeLimit)
	}

	if c.Protocol.PriceMaxStaleness <= 0 {
		return fmt.Errorf("PRICE_MAX_STALENESS must be positive, got %v", c.Protocol.PriceMaxStaleness)
	}

	if c.Protocol.SlippageDustThreshold.IsNegative() || c.Protocol.SlippageDustThreshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("SLIPPAGE_DUST_THRESHOLD must be in [0, 1), got %s", c.Protocol.SlippageDustThreshold)
	}

	if c.Security.APIKeyHash != "" {
		if _, err := crypto.GetHashCost(c.Security.APIKeyHash); err != nil {
			return fmt.Errorf("API_KEY_HASH: %w", err)
		}
	}

	if c.Security.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive, got %v", c.Security.RateLimit)
	}

	if c.Events.BufferSize < 1 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive, got %d", c.Events.BufferSize)
	}

	if c.Events.PersistRetries < 1 || c.Events.PersistRetries > 20 {
		return fmt.Errorf("EVENT_PERSIST_RETRIES must be between 1 and 20, got %d", c.Events.PersistRetries)
	}

	if c.Events.Retention < 0 {
		return fmt.Errorf("EVENT_RETENTION cannot be negative, got %v", c.Events.Retention)
	}

	return nil
}

// Addr возвращает адрес прослушивания
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// LogConfig переводит настройки в конфигурацию логгера
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:       l.Level,
		Format:      l.Format,
		Output:      l.Output,
		Development: l.Development,
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration понимает и суффикс дней ("7d")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := utils.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := utils.ParseAmount(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
