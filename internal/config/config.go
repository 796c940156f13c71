package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Bot        BotConfig
	Arbitrage  ArbitrageConfig
	Logging    LoggingConfig
}

// ArbitrageConfig - параметры движка кросс-биржевого арбитража фандинга:
// какие символы сканировать, с каким плечом на какой площадке, пороги
// обнаружения возможностей и лимиты риска.
type ArbitrageConfig struct {
	Symbols  []string       // торгуемые символы, напр. BTCUSDT,ETHUSDT
	Leverage map[string]int // плечо по умолчанию на площадку (venue -> leverage)

	PollInterval      time.Duration // период опроса ставок фандинга
	CBFailureThreshold int          // сбоев подряд до открытия breaker
	CBResetTimeout     time.Duration // время до half-open

	MinDailySpreadBase      float64 // минимальный дневной спред (в процентах) при размере 0
	MinDailySpreadPer10k    float64 // дополнительный порог (в процентах) на каждые 10k USD размера
	MinSecondsToFunding     int     // не открывать позицию ближе этого к фандингу
	NegativeSpreadTolerance float64 // допустимое временное схлопывание спреда в минус (в процентах, по модулю)

	MaxPositionPerPairUSD float64       // лимит размера позиции на пару
	EntryBufferMinutes    int           // буфер перед следующим фандингом для входа
	OrderFillTimeoutSeconds int         // таймаут ожидания исполнения ноги

	SimulationMode bool // true - SimVenue/in-memory репозиторий, без реальных бирж/БД
}

// ServerConfig - настройки HTTP сервера
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
	JWTSecret      string
	EncryptionKey  string
	SessionTimeout int
}

// BotConfig - настройки бота
type BotConfig struct {
	// WebSocket настройки (event-driven, без polling)
	WSReconnectDelay  time.Duration // задержка перед переподключением WS
	WSPingInterval    time.Duration // интервал ping для поддержания соединения
	WSReadTimeout     time.Duration // таймаут чтения WS сообщений

	// Периодические задачи (не влияют на торговлю)
	BalanceUpdateFreq time.Duration // обновление балансов для UI
	StatsUpdateFreq   time.Duration // обновление статистики для UI

	// Retry логика для критических операций
	MaxRetries      int
	RetryBackoff    time.Duration
	OrderTimeout    time.Duration // таймаут ожидания исполнения ордера

	// Торговые параметры
	MaxConcurrentArbs int // максимум одновременных арбитражей (0 = без лимита)
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
			Name:     getEnv("DB_NAME", "arbitrage"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
			EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
			SessionTimeout: getEnvAsInt("SESSION_TIMEOUT", 3600),
		},
		Bot: BotConfig{
			// WebSocket - event-driven, без polling!
			WSReconnectDelay:  getEnvAsDuration("WS_RECONNECT_DELAY", 1*time.Second),
			WSPingInterval:    getEnvAsDuration("WS_PING_INTERVAL", 15*time.Second),
			WSReadTimeout:     getEnvAsDuration("WS_READ_TIMEOUT", 30*time.Second),

			// Периодические задачи для UI (не критичны для торговли)
			BalanceUpdateFreq: getEnvAsDuration("BALANCE_UPDATE_FREQ", 1*time.Minute),
			StatsUpdateFreq:   getEnvAsDuration("STATS_UPDATE_FREQ", 5*time.Second),

			// Retry для ордеров
			MaxRetries:   getEnvAsInt("MAX_RETRIES", 4),
			RetryBackoff: getEnvAsDuration("RETRY_BACKOFF", 500*time.Millisecond),
			OrderTimeout: getEnvAsDuration("ORDER_TIMEOUT", 5*time.Second),

			// Торговые лимиты
			MaxConcurrentArbs: getEnvAsInt("MAX_CONCURRENT_ARBS", 0), // 0 = без лимита
		},
		Arbitrage: ArbitrageConfig{
			Symbols: getEnvAsStringSlice("ARB_SYMBOLS", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}),
			Leverage: map[string]int{
				"bybit":  getEnvAsInt("LEVERAGE_BYBIT", 5),
				"bitget": getEnvAsInt("LEVERAGE_BITGET", 5),
				"okx":    getEnvAsInt("LEVERAGE_OKX", 5),
				"gate":   getEnvAsInt("LEVERAGE_GATE", 5),
				"htx":    getEnvAsInt("LEVERAGE_HTX", 5),
				"bingx":  getEnvAsInt("LEVERAGE_BINGX", 5),
			},

			PollInterval:       getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			CBFailureThreshold: getEnvAsInt("CB_THRESHOLD", 5),
			CBResetTimeout:     getEnvAsDuration("CB_RESET", 60*time.Second),

			MinDailySpreadBase:      getEnvAsFloat("MIN_DAILY_SPREAD_BASE", 0.10),
			MinDailySpreadPer10k:    getEnvAsFloat("MIN_DAILY_SPREAD_PER_10K", 0.02),
			MinSecondsToFunding:     getEnvAsInt("MIN_SECONDS_TO_FUNDING", 300),
			NegativeSpreadTolerance: getEnvAsFloat("NEGATIVE_SPREAD_TOLERANCE", 0.05),

			MaxPositionPerPairUSD:   getEnvAsFloat("MAX_POSITION_PER_PAIR_USD", 10000),
			EntryBufferMinutes:      getEnvAsInt("ENTRY_BUFFER_MINUTES", 5),
			OrderFillTimeoutSeconds: getEnvAsInt("ORDER_FILL_TIMEOUT_SECONDS", 10),

			SimulationMode: getEnvAsBool("SIMULATION_MODE", true),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров
	if cfg.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	if len(cfg.Security.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	return cfg, nil
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

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
