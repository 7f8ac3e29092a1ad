package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the backend service.
type Config struct {
	// Server
	Host     string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"SERVER_HTTP_PORT" default:"8080"`

	Environment string `envconfig:"SERVER_ENV" default:"development"`

	// Timeouts
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// Upper bound on a single upstream model or speech call.
	AICallTimeout time.Duration `envconfig:"AI_CALL_TIMEOUT" default:"45s"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Shared secret for the API. Empty disables the check.
	AccessToken string `envconfig:"ACCESS_TOKEN"`

	// Groq (OpenAI-compatible)
	GroqAPIKey  string `envconfig:"GROQ_API_KEY"`
	GroqBaseURL string `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1"`

	// OpenAI
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`

	// Gemini. An API key selects the Gemini API backend; otherwise a
	// project selects Vertex AI with application default credentials.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GCPProject   string `envconfig:"GCP_PROJECT"`
	GCPLocation  string `envconfig:"GCP_LOCATION" default:"asia-northeast1"`

	// Azure OpenAI chat deployment, routed with the "azure/" model prefix.
	AzureOpenAIEndpoint string `envconfig:"AZURE_OPENAI_ENDPOINT"`
	AzureOpenAIKey      string `envconfig:"AZURE_OPENAI_KEY"`

	// Azure AI Speech
	AzureAISpeechKey   string `envconfig:"AZURE_AI_SPEECH_KEY"`
	AzureServiceRegion string `envconfig:"AZURE_SERVICE_REGION"`

	// Live sessions over /ws/session.
	SessionAutoSpeak    bool `envconfig:"SESSION_AUTO_SPEAK" default:"true"`
	SessionReplyTokens  bool `envconfig:"SESSION_REPLY_TOKENS" default:"true"`
	SessionAudioEntries int  `envconfig:"SESSION_AUDIO_CACHE_ENTRIES" default:"64"`

	// Redis speech cache
	RedisURL       string        `envconfig:"REDIS_URL"`
	SpeechCacheTTL time.Duration `envconfig:"SPEECH_CACHE_TTL" default:"24h"`

	// Presets: a database wins over the file when both are set.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	PresetsFile string `envconfig:"PRESETS_FILE" default:"presets.yaml"`

	// Speech archive: "r2", "gcs" or "none".
	SpeechArchive string `envconfig:"SPEECH_ARCHIVE" default:"none"`

	// Cloudflare R2
	CloudflareAccessKeyID string `envconfig:"CLOUDFLARE_ACCESS_KEY_ID"`
	CloudflareSecretKey   string `envconfig:"CLOUDFLARE_SECRET_ACCESS_KEY"`
	CloudflareR2Endpoint  string `envconfig:"CLOUDFLARE_R2_ENDPOINT"`
	CloudflareBucketName  string `envconfig:"CLOUDFLARE_BUCKET_NAME"`

	// Google Cloud Storage
	GCSBucket string `envconfig:"GCS_BUCKET"`

	// Fallback models for requests that leave "model" empty.
	Models

	// CORS
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	CORSAllowedMethods []string `envconfig:"CORS_ALLOWED_METHODS" default:"GET,POST,OPTIONS"`
	CORSAllowedHeaders []string `envconfig:"CORS_ALLOWED_HEADERS" default:"Accept,Authorization,Content-Type,X-Request-ID"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	return &cfg, nil
}

// HTTPAddress returns the HTTP server address.
func (c *Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
