package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort       string
	AppMode       string
	DBHost        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBPort        string
	JWTSecret     string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	Storage StorageConfig
	Upload  UploadConfig
	Sweeper SweeperConfig
}

type StorageConfig struct {
	Driver      string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	UseSSL      bool
	PresignTTL  time.Duration
	DownloadTTL time.Duration
}

type UploadConfig struct {
	MaxFileSize int64
	PartSize    int64
	// AllowedTypes overrides the built-in allow-list per entity type.
	AllowedTypes       map[string][]string
	InitLimitPerMinute int
}

type SweeperConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
}

const megabyte = 1024 * 1024

var entityTypes = []string{"test_case", "test_run", "defect", "comment", "step"}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:       getEnv("APP_PORT", "8080"),
		AppMode:       getEnv("APP_MODE", "debug"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "qatrack"),
		DBPort:        getEnv("DB_PORT", "5432"),
		JWTSecret:     getEnv("JWT_SECRET", "change-me"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		Storage: StorageConfig{
			Driver:      getEnv("STORAGE_DRIVER", "s3"),
			Region:      getEnv("S3_REGION", ""),
			Bucket:      getEnv("S3_BUCKET", ""),
			AccessKey:   getEnv("S3_ACCESS_KEY", ""),
			SecretKey:   getEnv("S3_SECRET_KEY", ""),
			Endpoint:    getEnv("S3_ENDPOINT", ""),
			UseSSL:      getEnvAsBool("S3_USE_SSL", true),
			PresignTTL:  getEnvAsDuration("S3_PRESIGN_TTL", time.Hour),
			DownloadTTL: getEnvAsDuration("S3_DOWNLOAD_TTL", 15*time.Minute),
		},
		Upload: UploadConfig{
			MaxFileSize:        int64(getEnvAsInt("UPLOAD_MAX_SIZE_MB", 500)) * megabyte,
			PartSize:           int64(getEnvAsInt("UPLOAD_PART_SIZE_MB", 5)) * megabyte,
			AllowedTypes:       loadAllowedTypes(),
			InitLimitPerMinute: getEnvAsInt("UPLOAD_INIT_LIMIT_PER_MIN", 120),
		},
		Sweeper: SweeperConfig{
			Enabled:  getEnvAsBool("SWEEPER_ENABLED", true),
			Interval: getEnvAsDuration("SWEEPER_INTERVAL", 30*time.Minute),
			MaxAge:   getEnvAsDuration("SWEEPER_MAX_AGE", 24*time.Hour),
		},
	}
}

// loadAllowedTypes reads UPLOAD_ALLOWED_<ENTITY> as a comma separated list of mime types.
func loadAllowedTypes() map[string][]string {
	out := map[string][]string{}
	for _, et := range entityTypes {
		raw := getEnv("UPLOAD_ALLOWED_"+strings.ToUpper(et), "")
		if raw == "" {
			continue
		}
		var types []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		out[et] = types
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts positive durations only; every duration setting is a
// TTL or a period.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return fallback
}
