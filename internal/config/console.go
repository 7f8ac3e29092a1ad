package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConsoleConfig configures the kaiwa console client.
type ConsoleConfig struct {
	ServerURL   string `envconfig:"KAIWA_SERVER_URL" default:"http://localhost:8080"`
	AccessToken string `envconfig:"KAIWA_ACCESS_TOKEN"`

	// Per-operation request timeouts.
	ChatTimeout       time.Duration `envconfig:"KAIWA_CHAT_TIMEOUT" default:"30s"`
	EvaluateTimeout   time.Duration `envconfig:"KAIWA_EVALUATE_TIMEOUT" default:"30s"`
	PunctuateTimeout  time.Duration `envconfig:"KAIWA_PUNCTUATE_TIMEOUT" default:"10s"`
	LookupTimeout     time.Duration `envconfig:"KAIWA_LOOKUP_TIMEOUT" default:"30s"`
	SynthesizeTimeout time.Duration `envconfig:"KAIWA_SYNTHESIZE_TIMEOUT" default:"30s"`

	// Directory where synthesized clips are written, and an optional
	// command that plays a clip given its path as the last argument.
	AudioDir string `envconfig:"KAIWA_AUDIO_DIR" default:"kaiwa-audio"`
	Player   string `envconfig:"KAIWA_PLAYER"`

	// Audio cache bound; 0 keeps every clip for the session.
	AudioCacheEntries int `envconfig:"KAIWA_AUDIO_CACHE_ENTRIES" default:"0"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	Models
}

// LoadConsole loads the console client configuration.
func LoadConsole() (*ConsoleConfig, error) {
	_ = godotenv.Load()

	var cfg ConsoleConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	return &cfg, nil
}
