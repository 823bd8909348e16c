package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Polling interval bounds enforced by the ANIO cloud terms of use.
const (
	MinPollInterval     = 60 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 300 * time.Second
)

type Config struct {
	Env  string
	Port int

	Cloud   CloudConfig
	Account AccountConfig
	Session SessionConfig
	Redis   RedisConfig
	CORS    CORSConfig
	Log     LogConfig
}

// CloudConfig addresses the upstream ANIO cloud API.
type CloudConfig struct {
	BaseURL        string
	ClientID       string
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

// AccountConfig holds the credentials used to authenticate the account.
type AccountConfig struct {
	Email    string
	Password string
	Username string
	// OtpCode is the one-time password for accounts with 2FA enabled. It
	// is only needed for the first login of a fresh session.
	OtpCode string
}

// SessionConfig carries a previously persisted session for resumption.
type SessionConfig struct {
	AccessToken  string
	RefreshToken string
	AppUUID      string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Cloud = CloudConfig{
		BaseURL:        strings.TrimRight(v.GetString("ANIO_API_URL"), "/"),
		ClientID:       v.GetString("ANIO_CLIENT_ID"),
		RequestTimeout: parseDuration(v.GetString("ANIO_REQUEST_TIMEOUT"), 30*time.Second),
		PollInterval:   clampInterval(parseDuration(v.GetString("POLL_INTERVAL"), DefaultPollInterval)),
	}

	cfg.Account = AccountConfig{
		Email:    v.GetString("ANIO_EMAIL"),
		Password: v.GetString("ANIO_PASSWORD"),
		Username: v.GetString("ANIO_USERNAME"),
		OtpCode:  v.GetString("ANIO_OTP_CODE"),
	}

	cfg.Session = SessionConfig{
		AccessToken:  v.GetString("ANIO_ACCESS_TOKEN"),
		RefreshToken: v.GetString("ANIO_REFRESH_TOKEN"),
		AppUUID:      v.GetString("ANIO_APP_UUID"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8090)

	v.SetDefault("ANIO_API_URL", "https://api.anio.cloud")
	v.SetDefault("ANIO_CLIENT_ID", "anio")
	v.SetDefault("ANIO_REQUEST_TIMEOUT", "30s")
	v.SetDefault("POLL_INTERVAL", "300s")

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	if d > MaxPollInterval {
		return MaxPollInterval
	}
	return d
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
