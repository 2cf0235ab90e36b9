package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	APIURL             string
	DatabaseURL        string
	HTTPPort           string
	LogLevel           string
	RequestTimeout     time.Duration
	SyncInterval       time.Duration
	ProbeInterval      time.Duration
	ManualConnectivity bool
}

var AppConfig Config

// LoadConfig populates AppConfig from an optional .env file and the process
// environment.
func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := Config{
		APIURL:             strings.TrimRight(getEnv("ACCOUNTANT_API_URL", "http://localhost:8000"), "/"),
		DatabaseURL:        getEnv("DATABASE_URL", "accountant_client.db"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		RequestTimeout:     getEnvAsSeconds("REQUEST_TIMEOUT_SECONDS", 30),
		SyncInterval:       getEnvAsSeconds("SYNC_INTERVAL_SECONDS", 300),
		ProbeInterval:      getEnvAsSeconds("CONNECTIVITY_PROBE_SECONDS", 15),
		ManualConnectivity: getEnvAsBool("MANUAL_CONNECTIVITY", false),
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ACCOUNTANT_API_URL must be an absolute URL, got %q", cfg.APIURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}

	AppConfig = cfg
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSeconds reads a whole number of seconds. Negative values are
// treated as zero, which disables interval-driven work.
func getEnvAsSeconds(key string, defaultValue int) time.Duration {
	seconds := getEnvAsInt(key, defaultValue)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
