package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ServerAddr string

	// 曲库接口
	CatalogAPIURL string
	CatalogScope  string

	// 波形渲染参数，用于计算重采样目标长度
	PixelsPerSecond float64
	BarWidth        float64
	BarGap          float64

	// 均衡器就绪等待超时，按平台分别配置
	EQTimeoutConstrained time.Duration
	EQTimeoutDesktop     time.Duration
	PlatformConstrained  bool // 移动端/已安装应用等受限平台
	EQPresetsFile        string

	AudioSampleRate int

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置（波形峰值文件）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// 播放记录数据库
	DBDriver   string // mysql 或 sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	NATSURL string

	// 日志配置
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	EnvFile string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvFloat gets an environment variable as float64 or returns a default value.
func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	envFile := getEnv("WAVEPLAY_ENV_FILE", ".env")
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(envFile); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	cfg := fromEnv()
	cfg.EnvFile = envFile
	return cfg
}

func fromEnv() *Config {
	return &Config{
		ServerAddr:           getEnv("SERVER_ADDR", ":8080"),
		CatalogAPIURL:        strings.TrimRight(getEnv("CATALOG_API_URL", "http://127.0.0.1:8080"), "/"),
		CatalogScope:         getEnv("CATALOG_SCOPE", "library"),
		PixelsPerSecond:      getEnvFloat("RENDER_PIXELS_PER_SECOND", 50),
		BarWidth:             getEnvFloat("RENDER_BAR_WIDTH", 2),
		BarGap:               getEnvFloat("RENDER_BAR_GAP", 1),
		EQTimeoutConstrained: time.Duration(getEnvInt("EQ_TIMEOUT_CONSTRAINED_MS", 30)) * time.Millisecond,
		EQTimeoutDesktop:     time.Duration(getEnvInt("EQ_TIMEOUT_DESKTOP_MS", 100)) * time.Millisecond,
		PlatformConstrained:  getEnvBool("PLATFORM_CONSTRAINED", false),
		EQPresetsFile:        getEnv("EQ_PRESETS_FILE", ""),
		AudioSampleRate:      getEnvInt("AUDIO_SAMPLE_RATE", 44100),
		RedisHost:            getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:            getEnv("REDIS_PORT", "6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:              getEnvInt("REDIS_DB", 0),
		MinioEndpoint:        getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:       getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:       os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:          getEnv("MINIO_BUCKET", "waveforms"),
		MinioRegion:          getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:          getEnvBool("MINIO_USE_SSL", false),
		DBDriver:             strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBHost:               getEnv("DB_HOST", "127.0.0.1"),
		DBPort:               getEnv("DB_PORT", "3306"),
		DBUser:               getEnv("DB_USER", "root"),
		DBPassword:           os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:               getEnv("DB_NAME", "waveplay"),
		SQLitePath:           getEnv("SQLITE_PATH", "waveplay.db"),
		NATSURL:              getEnv("NATS_URL", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFile:              getEnv("LOG_FILE", ""),
		LogMaxSize:           getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups:        getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:            getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:          getEnvBool("LOG_COMPRESS", true),
	}
}

// EQTimeout 返回当前平台对应的均衡器等待超时
func (c *Config) EQTimeout() time.Duration {
	if c.PlatformConstrained {
		return c.EQTimeoutConstrained
	}
	return c.EQTimeoutDesktop
}
