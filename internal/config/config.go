package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	KeyCache KeyCacheConfig
	Pool     PoolConfig
	Stream   StreamConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера (health, metrics, управление ключами)
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - материал для вывода ключа AES-256 (HKDF)
	// Никогда не логируется
	EncryptionKey string
}

// KeyCacheConfig - настройки кэша расшифрованных учётных данных
type KeyCacheConfig struct {
	// TTL записи в кэше. Минуты, не часы: ограничивает окно жизни
	// расшифрованного секрета в памяти
	TTL time.Duration
}

// PoolConfig - настройки пула клиентов бирж
type PoolConfig struct {
	MaxSize        int           // максимум живых клиентов на процесс (LRU)
	TTL            time.Duration // время жизни клиента в пуле
	HealthStale    time.Duration // health check старше этого считается протухшим
	BuildTimeout   time.Duration // таймаут построения одного клиента
	BuildAttempts  int           // попытки построения (retry с backoff)
	BuildBaseDelay time.Duration // начальная задержка между попытками
}

// StreamConfig - настройки аккаунт-стрима (приватный WebSocket)
type StreamConfig struct {
	PingInterval      time.Duration // интервал отправки ping (≤ 30s)
	HeartbeatTimeout  time.Duration // молчание дольше этого = reconnect (≥ 60s)
	ConnectTimeout    time.Duration // таймаут handshake
	ReconnectAttempts int           // максимум попыток reconnect
	ReconnectBase     time.Duration // начальная задержка reconnect
	ReconnectCap      time.Duration // максимальная задержка reconnect
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "gridterm"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		KeyCache: KeyCacheConfig{
			TTL: getEnvAsDuration("KEY_CACHE_TTL", 5*time.Minute),
		},
		Pool: PoolConfig{
			MaxSize:        getEnvAsInt("POOL_MAX_SIZE", 64),
			TTL:            getEnvAsDuration("POOL_TTL", 30*time.Minute),
			HealthStale:    getEnvAsDuration("POOL_HEALTH_STALE", 2*time.Minute),
			BuildTimeout:   getEnvAsDuration("POOL_BUILD_TIMEOUT", 10*time.Second),
			BuildAttempts:  getEnvAsInt("POOL_BUILD_ATTEMPTS", 3),
			BuildBaseDelay: getEnvAsDuration("POOL_BUILD_BASE_DELAY", 200*time.Millisecond),
		},
		Stream: StreamConfig{
			PingInterval:      getEnvAsDuration("STREAM_PING_INTERVAL", 25*time.Second),
			HeartbeatTimeout:  getEnvAsDuration("STREAM_HEARTBEAT_TIMEOUT", 60*time.Second),
			ConnectTimeout:    getEnvAsDuration("STREAM_CONNECT_TIMEOUT", 10*time.Second),
			ReconnectAttempts: getEnvAsInt("STREAM_RECONNECT_ATTEMPTS", 10),
			ReconnectBase:     getEnvAsDuration("STREAM_RECONNECT_BASE", 1*time.Second),
			ReconnectCap:      getEnvAsDuration("STREAM_RECONNECT_CAP", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для шифрования API ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	// Материал проходит через HKDF, поэтому точная длина не требуется,
	// но слишком короткий секрет недопустим
	if len(c.Security.EncryptionKey) < 16 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 16 characters, got %d", len(c.Security.EncryptionKey))
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

	// Кэш расшифрованных секретов - минуты, не часы
	if c.KeyCache.TTL <= 0 {
		return fmt.Errorf("KEY_CACHE_TTL must be positive, got %v", c.KeyCache.TTL)
	}
	if c.KeyCache.TTL > time.Hour {
		return fmt.Errorf("KEY_CACHE_TTL should not exceed 1h, got %v", c.KeyCache.TTL)
	}

	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("POOL_MAX_SIZE must be at least 1, got %d", c.Pool.MaxSize)
	}
	if c.Pool.TTL <= 0 {
		return fmt.Errorf("POOL_TTL must be positive, got %v", c.Pool.TTL)
	}
	if c.Pool.BuildTimeout <= 0 {
		return fmt.Errorf("POOL_BUILD_TIMEOUT must be positive, got %v", c.Pool.BuildTimeout)
	}
	if c.Pool.BuildAttempts < 1 {
		return fmt.Errorf("POOL_BUILD_ATTEMPTS must be at least 1, got %d", c.Pool.BuildAttempts)
	}

	// Heartbeat: ping должен укладываться в окно таймаута минимум дважды
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("STREAM_PING_INTERVAL must be positive, got %v", c.Stream.PingInterval)
	}
	if c.Stream.HeartbeatTimeout < 2*c.Stream.PingInterval {
		return fmt.Errorf("STREAM_HEARTBEAT_TIMEOUT must be at least twice STREAM_PING_INTERVAL, got %v", c.Stream.HeartbeatTimeout)
	}
	if c.Stream.ReconnectAttempts < 1 {
		return fmt.Errorf("STREAM_RECONNECT_ATTEMPTS must be at least 1, got %d", c.Stream.ReconnectAttempts)
	}
	if c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		return fmt.Errorf("STREAM_RECONNECT_CAP must be >= STREAM_RECONNECT_BASE")
	}

	return nil
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
