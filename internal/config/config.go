package config

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Port          string
	MQTTBrokerURL string
	LogLevel      string
	Postgres      DBConfig
	WeatherAPIKey string
	Timezone      string
	// CancelSupersededAutoOff switches the auto-off timer policy; see actuator.Options.
	CancelSupersededAutoOff bool
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("IRRIGATION_PORT", "8080"),
		MQTTBrokerURL: getEnv("MQTT_BROKER_URL", "mqtt://mosquitto:1883"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "irrigation"),
			Host:     getEnv("POSTGRES_HOST", "postgres"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
		},
		WeatherAPIKey:           os.Getenv("WEATHER_API_KEY"),
		Timezone:                getEnv("TIMEZONE", "Asia/Ho_Chi_Minh"),
		CancelSupersededAutoOff: getEnv("CANCEL_SUPERSEDED_AUTO_OFF", "false") == "true",
	}
	slog.Info("irrigation config loaded", "port", cfg.Port, "mqtt", cfg.MQTTBrokerURL, "timezone", cfg.Timezone)
	return cfg
}

// SlogLevel maps the configured level name to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
