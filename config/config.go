// Package config provides configuration for the gateway.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the gateway configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Database
	DatabaseURL string

	// Telephony provider
	ProviderAccountSID string
	ProviderAuthToken  string
	ProviderBaseURL    string
	GatewayNumber      string
	StreamURL          string

	// Backend voice channel
	BackendURL    string
	BackendAPIKey string
	BackendVoice  string

	// Owner identity and fallback delivery address
	OwnerNumber   string
	FallbackSMSTo string

	// Session limits
	MaxActiveSessions int
	IdleTimeout       time.Duration
	HistoryReplayCap  int

	// Bridge timings
	ReconnectTimeout time.Duration
	DeliveryTimeout  time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		InternalPort:       getEnvInt("INTERNAL_PORT", 8081),
		DatabaseURL:        getEnv("DATABASE_URL", "file:callgate.db?cache=shared&mode=rwc"),
		ProviderAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		ProviderAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		ProviderBaseURL:    getEnv("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01"),
		GatewayNumber:      getEnv("GATEWAY_NUMBER", ""),
		StreamURL:          getEnv("STREAM_URL", ""),
		BackendURL:         getEnv("BACKEND_URL", "wss://api.openai.com/v1/realtime"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		BackendVoice:       getEnv("BACKEND_VOICE", "cedar"),
		OwnerNumber:        getEnv("OWNER_NUMBER", ""),
		FallbackSMSTo:      getEnv("FALLBACK_SMS_TO", ""),
		MaxActiveSessions:  getEnvInt("MAX_ACTIVE_SESSIONS", 8),
		IdleTimeout:        time.Duration(getEnvInt("IDLE_TIMEOUT_MS", 300000)) * time.Millisecond,
		HistoryReplayCap:   getEnvInt("HISTORY_REPLAY_CAP", 20),
		ReconnectTimeout:   time.Duration(getEnvInt("RECONNECT_TIMEOUT_MS", 5000)) * time.Millisecond,
		DeliveryTimeout:    time.Duration(getEnvInt("DELIVERY_TIMEOUT_MS", 10000)) * time.Millisecond,
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
	if cfg.FallbackSMSTo == "" {
		cfg.FallbackSMSTo = cfg.OwnerNumber
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
