package config

import (
	"fmt"
	"net/url"
	"time"

	"securevault-backend/pkg/env"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
	StorageS3    = "s3"
)

// Config holds all configuration for the vault service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	MinIO    MinIOConfig
	S3       S3Config
	Crypto   CryptoConfig
	Share    ShareConfig
	Archive  ArchiveConfig
	JWT      JWTConfig
	Log      LogConfig
	Schedule ScheduleConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	MaxUploadBytes int64
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Requests allowed per RateWindow for authenticated callers and for
	// each client IP on the public share routes
	RateLimit      int
	ShareRateLimit int
	RateWindow     time.Duration
}

// DatabaseConfig holds CockroachDB/Postgres configuration
type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Database      string
	SSLMode       string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// RedisConfig holds Redis configuration. Disabled selects the in-memory store.
type RedisConfig struct {
	Disabled bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// StorageConfig selects the blob backend
type StorageConfig struct {
	Backend  string // local, minio, s3
	BasePath string // local backend root
	TempDir  string // transient plaintext and archives
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	PartSize  uint64 // multipart chunk for streamed uploads of unknown length
}

// S3Config holds AWS S3 configuration; empty keys use the default credential chain
type S3Config struct {
	Region       string
	Bucket       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// CryptoConfig enables envelope encryption of per-file keys when a passphrase is set
type CryptoConfig struct {
	MasterPassphrase string
	MasterSalt       string
}

// ShareConfig holds share link defaults and limits
type ShareConfig struct {
	PublicBaseURL       string
	DefaultTTL          time.Duration
	DefaultMaxDownloads int
	RevokeGrace         time.Duration
	PasswordAttempts    int
	AttemptWindow       time.Duration
	ActivityLength      int
	ActivityRetention   time.Duration
	IssuerIndexLength   int
}

// ArchiveConfig holds bulk archive settings
type ArchiveConfig struct {
	Retention        time.Duration
	CompressionLevel int
	Concurrency      int
	MaxFiles         int
}

// JWTConfig holds token verification settings
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// ScheduleConfig holds cron expressions for the cleanup jobs; empty disables a job
type ScheduleConfig struct {
	ExpiredFiles  string
	OrphanedBlobs string
	StaleArchives string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8080),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "vault-service"),
			MaxUploadBytes: env.GetInt64("MAX_UPLOAD_BYTES", 100<<20),
			AllowedOrigins: env.GetList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", 5*time.Minute),
			RateLimit:      env.GetInt("RATE_LIMIT_REQUESTS", 300),
			ShareRateLimit: env.GetInt("SHARE_RATE_LIMIT_REQUESTS", 30),
			RateWindow:     env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Host:          env.GetString("DB_HOST", "localhost"),
			Port:          env.GetInt("DB_PORT", 26257),
			User:          env.GetString("DB_USER", "root"),
			Password:      env.GetStringFromFile("DB_PASSWORD", ""),
			Database:      env.GetString("DB_NAME", "securevault"),
			SSLMode:       env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:      env.GetInt("DB_MAX_CONNS", 25),
			MinConns:      env.GetInt("DB_MIN_CONNS", 5),
			RunMigrations: env.GetBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Disabled: env.GetBool("REDIS_DISABLED", false),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Storage: StorageConfig{
			Backend:  env.GetString("STORAGE_BACKEND", StorageLocal),
			BasePath: env.GetString("STORAGE_PATH", "./data/files"),
			TempDir:  env.GetString("STORAGE_TEMP_DIR", "./data/temp"),
		},
		MinIO: MinIOConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
			Bucket:    env.GetString("MINIO_BUCKET", "securevault"),
			PartSize:  uint64(env.GetInt64("MINIO_PART_SIZE", 16<<20)),
		},
		S3: S3Config{
			Region:       env.GetString("S3_REGION", "us-east-1"),
			Bucket:       env.GetString("S3_BUCKET", "securevault"),
			Endpoint:     env.GetString("S3_ENDPOINT", ""),
			AccessKey:    env.GetStringFromFile("S3_ACCESS_KEY", ""),
			SecretKey:    env.GetStringFromFile("S3_SECRET_KEY", ""),
			UsePathStyle: env.GetBool("S3_USE_PATH_STYLE", false),
		},
		Crypto: CryptoConfig{
			MasterPassphrase: env.GetStringFromFile("VAULT_MASTER_PASSPHRASE", ""),
			MasterSalt:       env.GetStringFromFile("VAULT_MASTER_SALT", ""),
		},
		Share: ShareConfig{
			PublicBaseURL:       env.GetString("SHARE_BASE_URL", "http://localhost:8080"),
			DefaultTTL:          env.GetDuration("SHARE_DEFAULT_TTL", 24*time.Hour),
			DefaultMaxDownloads: env.GetInt("SHARE_DEFAULT_MAX_DOWNLOADS", 10),
			RevokeGrace:         env.GetDuration("SHARE_REVOKE_GRACE", 60*time.Second),
			PasswordAttempts:    env.GetInt("SHARE_PASSWORD_ATTEMPTS", 5),
			AttemptWindow:       env.GetDuration("SHARE_ATTEMPT_WINDOW", 15*time.Minute),
			ActivityLength:      env.GetInt("SHARE_ACTIVITY_LENGTH", 100),
			ActivityRetention:   env.GetDuration("SHARE_ACTIVITY_RETENTION", 30*24*time.Hour),
			IssuerIndexLength:   env.GetInt("SHARE_ISSUER_INDEX_LENGTH", 500),
		},
		Archive: ArchiveConfig{
			Retention:        env.GetDuration("ARCHIVE_RETENTION", time.Hour),
			CompressionLevel: env.GetInt("ARCHIVE_COMPRESSION_LEVEL", 6),
			Concurrency:      env.GetInt("ARCHIVE_CONCURRENCY", 4),
			MaxFiles:         env.GetInt("ARCHIVE_MAX_FILES", 500),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Issuer:   env.GetString("JWT_ISSUER", ""),
			Audience: env.GetString("JWT_AUDIENCE", ""),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/vault.log"),
		},
		Schedule: ScheduleConfig{
			ExpiredFiles:  env.GetString("SCHEDULE_EXPIRED_FILES", "0 * * * *"),
			OrphanedBlobs: env.GetString("SCHEDULE_ORPHANED_BLOBS", "30 3 * * *"),
			StaleArchives: env.GetString("SCHEDULE_STALE_ARCHIVES", "*/15 * * * *"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageLocal, StorageMinIO, StorageS3:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of local, minio, s3; got %q", c.Storage.Backend)
	}

	if c.Storage.Backend == StorageMinIO && (c.MinIO.PartSize < 5<<20 || c.MinIO.PartSize > 5<<30) {
		return fmt.Errorf("MINIO_PART_SIZE must be between 5MiB and 5GiB")
	}

	if c.Share.DefaultMaxDownloads < 1 {
		return fmt.Errorf("SHARE_DEFAULT_MAX_DOWNLOADS must be at least 1")
	}
	if c.Share.DefaultTTL <= 0 || c.Archive.Retention <= 0 {
		return fmt.Errorf("SHARE_DEFAULT_TTL and ARCHIVE_RETENTION must be positive")
	}
	if c.Archive.CompressionLevel < -2 || c.Archive.CompressionLevel > 9 {
		return fmt.Errorf("ARCHIVE_COMPRESSION_LEVEL must be between -2 and 9")
	}
	if c.Archive.Concurrency < 1 {
		return fmt.Errorf("ARCHIVE_CONCURRENCY must be at least 1")
	}

	if (c.Crypto.MasterPassphrase == "") != (c.Crypto.MasterSalt == "") {
		return fmt.Errorf("VAULT_MASTER_PASSPHRASE and VAULT_MASTER_SALT must be set together")
	}
	if c.Crypto.MasterSalt != "" && len(c.Crypto.MasterSalt) < 16 {
		return fmt.Errorf("VAULT_MASTER_SALT must be at least 16 characters")
	}

	if c.IsProduction() {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Redis.Disabled {
			return fmt.Errorf("REDIS_DISABLED is not allowed in production")
		}
		if c.Crypto.MasterPassphrase == "" {
			return fmt.Errorf("VAULT_MASTER_PASSPHRASE must be set in production")
		}
	}

	return nil
}

// DSN returns the pgx connection string
func (c DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
