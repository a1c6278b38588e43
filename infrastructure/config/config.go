package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress   string
	Environment     string
	PublicBaseURL   string
	ShutdownTimeout time.Duration

	// AWS configuration
	AWSRegion         string
	DynamoDBTable     string
	IndexName         string // GSI1 - connections by board
	ConnectionsTable  string
	RateLimitTable    string
	EventBusName      string
	WebSocketEndpoint string // API Gateway management endpoint

	// Lambda configuration
	IsLambda           bool
	LambdaFunctionName string

	// Realtime
	RealtimeURL           string
	RealtimeAPIKey        string
	AllowGuests           bool
	MaxConnectionsPerUser int
	FrameBurst            int
	FrameRefill           time.Duration

	// Domain tuning
	TuningFile string

	// Logging
	LogLevel string

	// Authentication
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Rate limiting, requests per minute
	RateLimitPerMinute int

	// Observability
	MetricsNamespace string

	// Feature flags
	EnableMetrics bool
	EnableTracing bool
	EnableCORS    bool
	CORSOrigins   []string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress:   serverAddress(),
		Environment:     getEnv("ENVIRONMENT", "development"),
		PublicBaseURL:   getEnv("PUBLIC_BASE_URL", "https://lumina.app"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		AWSRegion:         getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable:     getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", "")),
		IndexName:         getEnv("INDEX_NAME", "GSI1"),
		ConnectionsTable:  getEnv("CONNECTIONS_TABLE", ""),
		RateLimitTable:    getEnv("RATE_LIMIT_TABLE", ""),
		EventBusName:      getEnv("EVENT_BUS_NAME", ""),
		WebSocketEndpoint: getEnv("WEBSOCKET_ENDPOINT", ""),

		IsLambda:           getEnvBool("IS_LAMBDA", os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""),
		LambdaFunctionName: getEnv("AWS_LAMBDA_FUNCTION_NAME", ""),

		RealtimeURL:           getEnv("REALTIME_URL", ""),
		RealtimeAPIKey:        getEnv("REALTIME_API_KEY", ""),
		AllowGuests:           getEnvBool("ALLOW_GUESTS", true),
		MaxConnectionsPerUser: getEnvInt("WS_MAX_CONNECTIONS_PER_USER", 10),
		FrameBurst:            getEnvInt("WS_FRAME_BURST", 60),
		FrameRefill:           getEnvDuration("WS_FRAME_REFILL", 50*time.Millisecond),

		TuningFile: getEnv("TUNING_FILE", ""),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "lumina"),
		JWTAudience: getEnv("JWT_AUDIENCE", ""),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 300),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "Lumina"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", false),
		EnableTracing: getEnvBool("ENABLE_TRACING", false),
		EnableCORS:    getEnvBool("ENABLE_CORS", true),
		CORSOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if c.FrameBurst <= 0 || c.FrameRefill <= 0 {
		return fmt.Errorf("WS_FRAME_BURST and WS_FRAME_REFILL must be positive")
	}
	if c.Environment == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.DynamoDBTable == "" {
			return fmt.Errorf("TABLE_NAME is required in production")
		}
	}
	return nil
}

// Durable reports whether boards are persisted to DynamoDB rather than memory
func (c *Config) Durable() bool {
	return c.DynamoDBTable != ""
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// serverAddress honours PORT as set by most hosting platforms
func serverAddress() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return getEnv("SERVER_ADDRESS", ":8080")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "500ms" or "2m"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
