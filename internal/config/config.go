package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	LoginCodeTTLMinutes   int
	NATSURL               string
	CORSOrigins           []string

	ConnectionSweepInterval  time.Duration
	InactivitySweepInterval  time.Duration
	LoginCodeSweepInterval   time.Duration
	GroupTrimInterval        time.Duration
	GroupExpirySweepInterval time.Duration
	StatsInterval            time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Load 从环境变量读取配置，存在 .env 时先加载它（不会覆盖已有变量）。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=messenger port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 60),
		LoginCodeTTLMinutes:   getenvInt("LOGIN_CODE_TTL_MINUTES", 60),
		NATSURL:               os.Getenv("NATS_URL"),
		CORSOrigins:           getenvList("CORS_ORIGINS"),

		ConnectionSweepInterval:  getenvDuration("CONNECTION_SWEEP_INTERVAL", 60*time.Second),
		InactivitySweepInterval:  getenvDuration("INACTIVITY_SWEEP_INTERVAL", 120*time.Second),
		LoginCodeSweepInterval:   getenvDuration("LOGIN_CODE_SWEEP_INTERVAL", time.Hour),
		GroupTrimInterval:        getenvDuration("GROUP_TRIM_INTERVAL", 30*time.Minute),
		GroupExpirySweepInterval: getenvDuration("GROUP_EXPIRY_SWEEP_INTERVAL", 5*time.Minute),
		StatsInterval:            getenvDuration("STATS_INTERVAL", 30*time.Second),
	}
}

// Validate 在启动前检查必填项；非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	return nil
}
