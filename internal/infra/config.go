package infra

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// Config: корневая структура конфигурации всей платформы.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Scoring     ScoringConfig     `mapstructure:"scoring"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Topology    TopologyConfig    `mapstructure:"topology"`
	Mail        MailConfig        `mapstructure:"mail"`
	Logger      LoggerConfig      `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	FrontendURL     string        `mapstructure:"frontend_url"`
}

// Addr собирает адрес листенера.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCConfig: приём телеметрии по gRPC.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
// Пустой URL переключает хранилища в in-memory режим (разработка, тесты).
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub событий и сигналов модели).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig: необязательный источник телеметрии.
type KafkaConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Brokers    []string      `mapstructure:"brokers"`
	Topic      string        `mapstructure:"topic"`
	GroupID    string        `mapstructure:"group_id"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath      string        `mapstructure:"public_key_path"`
	PrivateKeyPath     string        `mapstructure:"private_key_path"`
	Issuer             string        `mapstructure:"issuer"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	BcryptCost         int           `mapstructure:"bcrypt_cost"`
	VerificationTTL    time.Duration `mapstructure:"verification_ttl"`
	LoginRatePerMinute int           `mapstructure:"login_rate_per_minute"`
	PublicKey          []byte
	PrivateKey         []byte
}

// IngestConfig: скользящее окно Feature Ingest.
type IngestConfig struct {
	WindowSize   int           `mapstructure:"window_size"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ScoringConfig: параметры Scoring Engine.
type ScoringConfig struct {
	Workers   int                   `mapstructure:"workers"`
	Timeout   time.Duration         `mapstructure:"timeout"`
	Severity  domain.SeverityPolicy `mapstructure:"severity"`
	ModelFile string                `mapstructure:"model_file"`
	// Shards: число шардов состояния узлов в движке скоринга.
	Shards    int                   `mapstructure:"shards"`
}

// LifecycleConfig: порог детекции и окно дедупликации.
type LifecycleConfig struct {
	DetectionThreshold float64       `mapstructure:"detection_threshold"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	JournalBufferSize  int           `mapstructure:"journal_buffer_size"`
	JournalFlush       time.Duration `mapstructure:"journal_flush_interval"`
}

// AnalyticsConfig: граница «сегодня» считается в явно заданной зоне.
type AnalyticsConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Location разбирает зону. Ошибка конфигурации не подменяется молча на локальное время.
func (a AnalyticsConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return nil, errors.New("analytics.timezone must be set explicitly (e.g. UTC)")
	}
	return time.LoadLocation(a.Timezone)
}

// ReliabilityConfig: retry и circuit breaker для хранилища.
type ReliabilityConfig struct {
	Attempts      uint          `mapstructure:"attempts"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_consecutive_failures"`
}

type TopologyConfig struct {
	File string `mapstructure:"file"`
}

// MailConfig: SMTP. Без username письма только логируются.
type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // пусто: только stdout
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom читает конкретный файл; пустой путь, поиск config.yaml в . и ./configs.
func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала PEM из ENV (Docker/K8s), затем файл по пути из конфига
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми ядро не может гарантировать инварианты.
func (c *Config) Validate() error {
	if err := c.Scoring.Severity.Validate(); err != nil {
		return fmt.Errorf("scoring.severity: %w", err)
	}
	if c.Lifecycle.DetectionThreshold <= 0 || c.Lifecycle.DetectionThreshold > 1 {
		return fmt.Errorf("lifecycle.detection_threshold must be in (0,1], got %v", c.Lifecycle.DetectionThreshold)
	}
	if c.Ingest.WindowSize < 2 {
		return fmt.Errorf("ingest.window_size must be >= 2, got %d", c.Ingest.WindowSize)
	}
	if _, err := c.Analytics.Location(); err != nil {
		return fmt.Errorf("analytics.timezone: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.frontend_url", "http://localhost:3000")

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "iiot.telemetry")
	v.SetDefault("kafka.group_id", "iiot-sentinel")
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.max_backoff", 10*time.Second)

	v.SetDefault("auth.issuer", "iiot-sentinel")
	v.SetDefault("auth.token_ttl", 30*time.Minute)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.verification_ttl", 24*time.Hour)
	v.SetDefault("auth.login_rate_per_minute", 30)

	v.SetDefault("ingest.window_size", 32)
	v.SetDefault("ingest.tick_interval", 5*time.Second)
	v.SetDefault("ingest.timeout", 2*time.Second)
	v.SetDefault("ingest.queue_size", 4096)

	v.SetDefault("scoring.workers", runtime.NumCPU())
	v.SetDefault("scoring.timeout", 500*time.Millisecond)
	v.SetDefault("scoring.shards", 64)
	v.SetDefault("scoring.severity.medium", 0.4)
	v.SetDefault("scoring.severity.high", 0.7)
	v.SetDefault("scoring.severity.critical", 0.9)

	v.SetDefault("lifecycle.detection_threshold", 0.7)
	v.SetDefault("lifecycle.cooldown", 5*time.Minute)
	v.SetDefault("lifecycle.journal_buffer_size", 10000)
	v.SetDefault("lifecycle.journal_flush_interval", 1*time.Second)

	v.SetDefault("analytics.timezone", "UTC")

	v.SetDefault("reliability.attempts", 3)
	v.SetDefault("reliability.op_timeout", 3*time.Second)
	v.SetDefault("reliability.rate_per_second", 500)
	v.SetDefault("reliability.burst", 100)
	v.SetDefault("reliability.cb_max_requests", 3)
	v.SetDefault("reliability.cb_interval", 5*time.Second)
	v.SetDefault("reliability.cb_timeout", 30*time.Second)
	v.SetDefault("reliability.cb_consecutive_failures", 5)

	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.host", "smtp.gmail.com")
	v.SetDefault("mail.from_name", "IIoT Sentinel")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 28)
}

// loadKeyResource: ключ из ENV (PEM) или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
