package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the process reads from the environment.
type Config struct {
	Port               string        `mapstructure:"PORT"`
	DBPath             string        `mapstructure:"DB_PATH"`
	GoogleClientID     string        `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string        `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string        `mapstructure:"GOOGLE_REDIRECT_URL"`
	JWKSURL            string        `mapstructure:"JWKS_URL"`
	NATSURL            string        `mapstructure:"NATS_URL"`
	MailProvider       string        `mapstructure:"MAIL_PROVIDER"`
	OutlookUserID      string        `mapstructure:"OUTLOOK_USER_ID"`
	SyncInterval       time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncMaxResults     int64         `mapstructure:"SYNC_MAX_RESULTS"`
	ReminderMinutes    int           `mapstructure:"CALENDAR_REMINDER_MINUTES"`
	TokenEncryptionKey string        `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LogFormat          string        `mapstructure:"LOG_FORMAT"`
}

var envs = []string{
	"PORT", "DB_PATH", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET",
	"GOOGLE_REDIRECT_URL", "JWKS_URL", "NATS_URL", "MAIL_PROVIDER",
	"OUTLOOK_USER_ID", "SYNC_INTERVAL",
	"SYNC_MAX_RESULTS", "CALENDAR_REMINDER_MINUTES",
	"TOKEN_ENCRYPTION_KEY", "LOG_LEVEL", "LOG_FORMAT",
}

// Load reads configuration from .env (if present) and the environment.
func Load() (Config, error) {
	var config Config

	viper.AddConfigPath("./")
	viper.SetConfigFile(".env")
	viper.ReadInConfig()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("DB_PATH", "data/mailcal.db")
	viper.SetDefault("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback")
	viper.SetDefault("MAIL_PROVIDER", "gmail")
	viper.SetDefault("SYNC_INTERVAL", time.Hour)
	viper.SetDefault("SYNC_MAX_RESULTS", 100)
	viper.SetDefault("CALENDAR_REMINDER_MINUTES", 60)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	for _, env := range envs {
		if err := viper.BindEnv(env); err != nil {
			return config, err
		}
	}
	if err := viper.Unmarshal(&config); err != nil {
		return config, err
	}
	return config, nil
}
