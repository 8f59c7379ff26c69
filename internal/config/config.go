package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	// OpenAI Realtime Configuration
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIVoice       string
	OpenAITemperature float64

	// Geoapify address validation
	GeoapifyAPIKey string

	// Email notification configuration
	EmailProvider     string // "sendgrid", "ses" or "stub"
	SendGridAPIKey    string
	EmailFromAddress  string
	EmailFromName     string
	BookingRecipients []string
	AWSRegion         string

	// Intake behavior
	IntakeMaxFieldRetries int

	// External lookup retry policy
	LookupTimeout     time.Duration
	LookupMaxAttempts int
	LookupBaseDelay   time.Duration

	// Completion dispatch
	DispatchMaxAttempts int

	// Audio bridge
	BridgeQueueSize int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		OpenAIVoice:       getEnv("OPENAI_VOICE", "alloy"),
		OpenAITemperature: getEnvAsFloat("OPENAI_TEMPERATURE", 0.8),

		GeoapifyAPIKey: getEnv("GEOAPIFY_API_KEY", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "auto"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		EmailFromAddress:  getEnv("EMAIL_FROM_ADDRESS", ""),
		EmailFromName:     getEnv("EMAIL_FROM_NAME", "Voice Intake"),
		BookingRecipients: getEnvAsList("BOOKING_RECIPIENTS"),
		AWSRegion:         getEnv("AWS_REGION", "us-east-1"),

		IntakeMaxFieldRetries: getEnvAsInt("INTAKE_MAX_FIELD_RETRIES", 3),

		LookupTimeout:     getEnvAsDuration("LOOKUP_TIMEOUT", 10*time.Second),
		LookupMaxAttempts: getEnvAsInt("LOOKUP_MAX_ATTEMPTS", 3),
		LookupBaseDelay:   getEnvAsDuration("LOOKUP_BASE_DELAY", 500*time.Millisecond),

		DispatchMaxAttempts: getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 3),

		BridgeQueueSize: getEnvAsInt("BRIDGE_QUEUE_SIZE", 256),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated environment variable, dropping empty entries.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
