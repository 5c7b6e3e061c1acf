package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailscore/models"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type MailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
}

// Enabled reports whether job notifications can be sent.
func (m MailConfig) Enabled() bool {
	return m.Host != "" && m.From != ""
}

type VerifierConfig struct {
	ProbeTimeout   time.Duration `json:"probe_timeout"`
	WHOISTimeout   time.Duration `json:"whois_timeout"`
	HeloDomain     string        `json:"helo_domain"`
	ProbeSender    string        `json:"probe_sender"`
	DNSServers     []string      `json:"dns_servers"`
	DKIMSelector   string        `json:"dkim_selector"`
	GreylistDelay  time.Duration `json:"greylist_delay"`
	BlacklistFile  string        `json:"blacklist_file"`
	DisposableFile string        `json:"disposable_file"`
	FreemailFile   string        `json:"freemail_file"`
	RolesFile      string        `json:"roles_file"`
	PolicyFile     string        `json:"policy_file"`
	BatchSize      int           `json:"batch_size"`
	Workers        int           `json:"workers"`
	JobInterval    time.Duration `json:"job_interval"`
	JobLease       time.Duration `json:"job_lease"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	SentryDSN   string `json:"-"`
	JWTSecret   string `json:"-"`

	StorageDriver  string `json:"storage_driver"`
	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// MemoryUserCredits opens user 1 with this balance when STORAGE_DRIVER=memory.
	MemoryUserCredits int `json:"memory_user_credits"`

	StripeSecretKey      string `json:"-"`
	StripePublishableKey string `json:"stripe_publishable_key"`
	StripeWebhookSecret  string `json:"-"`

	Redis    RedisConfig    `json:"redis"`
	Mail     MailConfig     `json:"mail"`
	Verifier VerifierConfig `json:"verifier"`

	RateLimitVerify int    `json:"rate_limit_verify"` // requests per minute per user
	CORSOrigins     string `json:"cors_origins"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig(logrus.StandardLogger())
	return nil
}

// Load reads the environment into a validated Config without touching
// package state.
func Load() (Config, error) {
	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", DriverPostgres)),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailscore"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		MemoryUserCredits: getEnvAsInt("MEMORY_USER_CREDITS", 1000),

		StripeSecretKey:      getEnv("STRIPE_SECRET_KEY", ""),
		StripePublishableKey: getEnv("STRIPE_PUBLISHABLE_KEY", ""),
		StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Mail: MailConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("FROM_EMAIL", ""),
		},
		Verifier: VerifierConfig{
			ProbeTimeout:   getEnvAsDuration("VERIFY_PROBE_TIMEOUT", 5*time.Second),
			WHOISTimeout:   getEnvAsDuration("VERIFY_WHOIS_TIMEOUT", 10*time.Second),
			HeloDomain:     getEnv("VERIFY_HELO_DOMAIN", "localhost"),
			ProbeSender:    getEnv("VERIFY_PROBE_SENDER", ""),
			DNSServers:     getEnvAsList("VERIFY_DNS_SERVERS"),
			DKIMSelector:   getEnv("VERIFY_DKIM_SELECTOR", "default"),
			GreylistDelay:  getEnvAsDuration("VERIFY_GREYLIST_DELAY", 0),
			BlacklistFile:  getEnv("VERIFY_BLACKLIST_FILE", ""),
			DisposableFile: getEnv("VERIFY_DISPOSABLE_FILE", ""),
			FreemailFile:   getEnv("VERIFY_FREEMAIL_FILE", ""),
			RolesFile:      getEnv("VERIFY_ROLES_FILE", ""),
			PolicyFile:     getEnv("VERIFY_POLICY_FILE", ""),
			BatchSize:      getEnvAsInt("VERIFY_BATCH_SIZE", 50),
			Workers:        getEnvAsInt("VERIFY_WORKERS", 8),
			JobInterval:    getEnvAsDuration("VERIFY_JOB_INTERVAL", 5*time.Second),
			JobLease:       getEnvAsDuration("VERIFY_JOB_LEASE", 15*time.Minute),
		},

		RateLimitVerify: getEnvAsInt("RATE_LIMIT_VERIFY", 60),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Environment == "production" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required for payment processing")
	}
	if c.Verifier.ProbeTimeout <= 0 {
		return fmt.Errorf("VERIFY_PROBE_TIMEOUT must be positive")
	}
	if c.Verifier.BatchSize < 1 || c.Verifier.Workers < 1 {
		return fmt.Errorf("VERIFY_BATCH_SIZE and VERIFY_WORKERS must be at least 1")
	}
	if c.RateLimitVerify < 1 {
		return fmt.Errorf("RATE_LIMIT_VERIFY must be at least 1")
	}
	return nil
}

// SetupLogger applies the configured level and format to the standard logrus
// logger.
func SetupLogger(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// DSN is the postgres connection string for the configured database.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

func ConnectDB() error {
	log := logrus.WithField("component", "database")
	log.Info("Attempting to connect to database...")

	dsn := AppConfig.DSN()
	log.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	db, err := OpenDB(dsn)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("Successfully connected to the database")

	if err := MigrateDB(db); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	if err := models.CreateDefaultPlans(db); err != nil {
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	log.Info("Database migration completed")

	DB = db
	return nil
}

// OpenDB opens a gorm postgres handle with warnings-only SQL logging.
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// MigrateDB creates or updates the schema.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Plan{},
		&models.CreditTransaction{},
		&models.CreditUsage{},
		&models.EmailValidation{},
		&models.ValidationJob{},
	)
}

// ConnectRedis opens the shared client when Redis is enabled.
func ConnectRedis(ctx context.Context) error {
	if !AppConfig.Redis.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	Redis = client
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"environment":    AppConfig.Environment,
		"port":           AppConfig.ServerPort,
		"storage":        AppConfig.StorageDriver,
		"database":       fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":          AppConfig.Redis.Enabled,
		"notifications":  AppConfig.Mail.Enabled(),
		"probe_timeout":  AppConfig.Verifier.ProbeTimeout,
		"batch_size":     AppConfig.Verifier.BatchSize,
		"verify_workers": AppConfig.Verifier.Workers,
	}).Info("Loaded configuration")
}
