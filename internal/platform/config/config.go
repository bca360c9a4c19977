// Package config loads process-level settings shared by every service.
//
// Values come from the environment, optionally seeded from a .env file in
// the working directory. Service-specific settings are read through Env.
package config

import (
	"errors"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	Env         string
	HTTP        HTTPConfig
}

// IsProduction reports whether APP_ENV is "production".
func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Env returns a viper instance bound to the process environment.
// A .env file is loaded first if present; real env vars take precedence.
func Env() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	return v
}

func Load() (AppConfig, error) {
	v := Env()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "development")

	cfg := AppConfig{
		ServiceName: strings.TrimSpace(v.GetString("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(v.GetString("LOG_LEVEL")),
		Env:         strings.TrimSpace(v.GetString("APP_ENV")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(v.GetString("HTTP_ADDR")),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	return cfg, nil
}
