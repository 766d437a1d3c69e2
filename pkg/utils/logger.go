package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Уровни: DEBUG, INFO, WARN, ERROR, FATAL
// Форматы: json (production), text (development)
//
// ВАЖНО: учётные данные (API ключи, секреты, расшифрованный материал)
// никогда не передаются в поля логгера.

// LogConfig - конфигурация логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json, text
	Output      string // путь к файлу; пусто = stderr
	Development bool   // режим разработки (caller в выводе)
}

// Logger оборачивает zap.Logger с доменными helper'ами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// parseLevel преобразует строку уровня в zapcore.Level
// Неизвестный уровень = info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger создаёт и настраивает logger
//
// При недоступном файле вывода откатывается на stderr, не паникует.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	// Выбор назначения вывода
	sink := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
		// При ошибке остаёмся на stderr
	}

	core := zapcore.NewCore(encoder, sink, level)

	var opts []zap.Option
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	zl := zap.New(core, opts...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// With возвращает новый Logger с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{Logger: child, sugar: child.Sugar()}
}

// Sugar возвращает SugaredLogger для printf-style логирования
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============ Доменные helper'ы ============

// WithComponent добавляет имя компонента (keys, pool, stream, connmgr)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithExchange добавляет имя биржи
func (l *Logger) WithExchange(exchange string) *Logger {
	return l.With(Exchange(exchange))
}

// WithUser добавляет идентификатор пользователя
func (l *Logger) WithUser(userID string) *Logger {
	return l.With(UserID(userID))
}

// WithSession добавляет идентификатор стрим-сессии (user + exchange)
func (l *Logger) WithSession(userID, exchange string) *Logger {
	return l.With(UserID(userID), Exchange(exchange))
}

// ============ Конструкторы доменных полей ============

// Exchange - имя биржи (binance, bybit, okx)
func Exchange(name string) zap.Field {
	return zap.String("exchange", name)
}

// UserID - идентификатор пользователя
func UserID(id string) zap.Field {
	return zap.String("user_id", id)
}

// VirtualKeyID - идентификатор виртуального ключа
// Сам ключ в лог не попадает никогда, только его id
func VirtualKeyID(id string) zap.Field {
	return zap.String("virtual_key_id", id)
}

// Family - семейство ключей (hmac_sha256, ed25519)
func Family(family string) zap.Field {
	return zap.String("key_family", family)
}

// Purpose - назначение соединения (rest, websocket)
func Purpose(purpose string) zap.Field {
	return zap.String("purpose", purpose)
}

// State - состояние сессии или клиента
func State(state string) zap.Field {
	return zap.String("state", state)
}

// Attempt - номер попытки (reconnect, retry)
func Attempt(n int) zap.Field {
	return zap.Int("attempt", n)
}

// Latency - задержка операции в миллисекундах
func Latency(ms float64) zap.Field {
	return zap.Float64("latency_ms", ms)
}

// RequestID - идентификатор HTTP запроса
func RequestID(id string) zap.Field {
	return zap.String("request_id", id)
}

// Component - имя компонента
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// ============ Переэкспорт стандартных конструкторов ============

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)

// ============ Глобальный логгер ============

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger инициализирует глобальный логгер из конфигурации
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный
// при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()

	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий алиас для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// ============ Глобальные функции логирования ============

// Debug логирует через глобальный логгер
func Debug(msg string, fields ...zap.Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

// Info логирует через глобальный логгер
func Info(msg string, fields ...zap.Field) {
	GetGlobalLogger().Info(msg, fields...)
}

// Warn логирует через глобальный логгер
func Warn(msg string, fields ...zap.Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// Error логирует через глобальный логгер
func Error(msg string, fields ...zap.Field) {
	GetGlobalLogger().Error(msg, fields...)
}

// Fatal логирует и завершает процесс
func Fatal(msg string, fields ...zap.Field) {
	GetGlobalLogger().Fatal(msg, fields...)
}

// Debugf - printf-style debug
func Debugf(format string, args ...interface{}) {
	GetGlobalLogger().sugar.Debugf(format, args...)
}

// Infof - printf-style info
func Infof(format string, args ...interface{}) {
	GetGlobalLogger().sugar.Infof(format, args...)
}

// Warnf - printf-style warn
func Warnf(format string, args ...interface{}) {
	GetGlobalLogger().sugar.Warnf(format, args...)
}

// Errorf - printf-style error
func Errorf(format string, args ...interface{}) {
	GetGlobalLogger().sugar.Errorf(format, args...)
}

// Fatalf - printf-style fatal
func Fatalf(format string, args ...interface{}) {
	GetGlobalLogger().sugar.Fatalf(format, args...)
}
