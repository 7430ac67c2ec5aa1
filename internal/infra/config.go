package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всего шлюза.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Detection DetectionConfig `mapstructure:"detection"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (velocity-окна, идемпотентность, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит секрет и настройки JWT для админского периметра.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EngineConfig содержит настройки decision pipeline.
type EngineConfig struct {
	// Жесткий дедлайн на принятие решения; по истечении отдаем TimeoutDecision
	DecisionTimeout time.Duration `mapstructure:"decision_timeout"`
	// Что отвечать, когда не уложились в дедлайн: REVIEW или ALLOW
	TimeoutDecision string `mapstructure:"timeout_decision"`
	// Что отвечать, когда хранилище идемпотентности полностью недоступно
	IdempotencyDownDecision string `mapstructure:"idempotency_down_decision"`
	// Единый вердикт safe mode: ALLOW, BLOCK или REVIEW
	SafeModeDecision string `mapstructure:"safe_mode_decision"`

	EvidenceBufferSize    int           `mapstructure:"evidence_buffer_size"`
	EvidenceFlushInterval time.Duration `mapstructure:"evidence_flush_interval"`
	EvidenceBatchSize     int           `mapstructure:"evidence_batch_size"`

	// Пул фоновых воркеров (профили, evidence)
	WorkerQueueSize int `mapstructure:"worker_queue_size"`

	// Настройки Circuit Breaker для долговременных хранилищ
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`

	// Лимит на ingest исходов (chargebacks/refunds), событий в секунду
	OutcomeRatePerSec int `mapstructure:"outcome_rate_per_sec"`
	OutcomeRateBurst  int `mapstructure:"outcome_rate_burst"`
}

// DetectionConfig — операционные пороги детекторов.
// Это НЕ политика: пороги политики (block/review/friction) живут в версионируемом
// документе, а здесь — инженерные константы самих детекторов.
type DetectionConfig struct {
	CardTestingAttempts10M int     `mapstructure:"card_testing_attempts_10m"`
	CardTestingDeclineRate float64 `mapstructure:"card_testing_decline_rate"`
	// Минимум попыток, после которого доля деклайнов и мелкие суммы
	// считаются представительными
	CardTestingMinAttempts int `mapstructure:"card_testing_min_attempts"`
	// Порог «пробной» суммы: тестовые списания почти всегда мелкие
	CardTestingSmallAmountCents int64 `mapstructure:"card_testing_small_amount_cents"`
	VelocityCardAttempts1H int     `mapstructure:"velocity_card_attempts_1h"`
	DeviceDistinctCards24H int     `mapstructure:"device_distinct_cards_24h"`
	IPDistinctCards1H      int     `mapstructure:"ip_distinct_cards_1h"`
	MaxTravelSpeedKMH      float64 `mapstructure:"max_travel_speed_kmh"`
	HighValueCents         int64   `mapstructure:"high_value_cents"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	// Бюджет решения: целевой p99 — 200ms end-to-end
	v.SetDefault("engine.decision_timeout", 200*time.Millisecond)
	v.SetDefault("engine.timeout_decision", "REVIEW")
	v.SetDefault("engine.idempotency_down_decision", "REVIEW")
	v.SetDefault("engine.safe_mode_decision", "REVIEW")
	v.SetDefault("engine.evidence_buffer_size", 1000)
	v.SetDefault("engine.evidence_flush_interval", 1*time.Second)
	v.SetDefault("engine.evidence_batch_size", 100)
	v.SetDefault("engine.worker_queue_size", 2048)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 10*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.outcome_rate_per_sec", 200)
	v.SetDefault("engine.outcome_rate_burst", 400)

	v.SetDefault("detection.card_testing_attempts_10m", 5)
	v.SetDefault("detection.card_testing_decline_rate", 0.8)
	v.SetDefault("detection.card_testing_min_attempts", 3)
	v.SetDefault("detection.card_testing_small_amount_cents", 500)
	v.SetDefault("detection.velocity_card_attempts_1h", 10)
	v.SetDefault("detection.device_distinct_cards_24h", 5)
	v.SetDefault("detection.ip_distinct_cards_1h", 10)
	v.SetDefault("detection.max_travel_speed_kmh", 1000)
	v.SetDefault("detection.high_value_cents", 50000)
}
