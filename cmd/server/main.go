package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/handler/http"
	"github.com/windfall/kaiwa/internal/handler/ws"
	"github.com/windfall/kaiwa/internal/logger"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/internal/repository"
	"github.com/windfall/kaiwa/internal/server"
	"github.com/windfall/kaiwa/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info().Str("env", cfg.Environment).Msg("Starting kaiwa")

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	metricsHandler, shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics provider")
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metrics instruments")
	}

	checks := map[string]http.Check{}

	// Chat providers
	router := &service.ModelRouter{}
	var openAIClient *client.OpenAIClient
	if cfg.GroqAPIKey != "" {
		router.Groq = client.NewGroqClient(cfg.GroqAPIKey, cfg.GroqBaseURL)
		log.Info().Msg("Groq client initialized")
	} else {
		log.Warn().Msg("GROQ_API_KEY not set, Groq models unavailable")
	}
	if cfg.OpenAIAPIKey != "" {
		openAIClient = client.NewOpenAIClient(cfg.OpenAIAPIKey)
		router.OpenAI = openAIClient
		log.Info().Msg("OpenAI client initialized")
	}

	var geminiClient *client.GeminiClient
	if cfg.GeminiAPIKey != "" || cfg.GCPProject != "" {
		geminiClient, err = client.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GCPProject, cfg.GCPLocation)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Gemini client")
		} else {
			router.Gemini = geminiClient
			log.Info().Msg("Gemini client initialized")
		}
	} else {
		log.Warn().Msg("Neither GEMINI_API_KEY nor GCP_PROJECT set, skipping Gemini initialization")
	}

	if cfg.AzureOpenAIEndpoint != "" && cfg.AzureOpenAIKey != "" {
		router.Azure = client.NewAzureChatClient(cfg.AzureOpenAIEndpoint, cfg.AzureOpenAIKey)
		log.Info().Msg("Azure OpenAI client initialized")
	}

	// Speech engines
	engines := map[string]service.SpeechEngine{}
	if geminiClient != nil {
		engines["gemini"] = geminiClient
	}
	if openAIClient != nil {
		engines["openai"] = openAIClient
	}
	if cfg.AzureAISpeechKey != "" && cfg.AzureServiceRegion != "" {
		engines["azure"] = client.NewAzureSpeechClient(cfg.AzureAISpeechKey, cfg.AzureServiceRegion)
		log.Info().Msg("Azure Speech client initialized")
	}
	if len(engines) == 0 {
		log.Warn().Msg("No speech engine configured, /synthesize-speech will fail")
	}

	speechOpts := service.SpeechOptions{
		Engines:       engines,
		DefaultEngine: cfg.SpeechEngine,
		CacheTTL:      cfg.SpeechCacheTTL,
		Timeout:       cfg.AICallTimeout,
		Metrics:       metrics,
		Logger:        logger.Component(log, "speech"),
	}

	// Initialize Redis client
	var redisClient *client.RedisClient
	if cfg.RedisURL != "" {
		redisClient, err = client.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Redis client")
		} else {
			speechOpts.Cache = redisClient
			checks["redis"] = redisClient.Ping
			log.Info().Msg("Redis client initialized")
		}
	}

	// Speech archive
	var storageClient *client.StorageClient
	switch cfg.SpeechArchive {
	case "r2":
		r2, err := client.NewCloudflareClient(ctx,
			cfg.CloudflareAccessKeyID,
			cfg.CloudflareSecretKey,
			cfg.CloudflareR2Endpoint,
			cfg.CloudflareBucketName,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Cloudflare client")
		} else {
			speechOpts.Archive = r2
			log.Info().Msg("Cloudflare R2 client initialized")
		}
	case "gcs":
		storageClient, err = client.NewStorageClient(ctx, cfg.GCSBucket)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Cloud Storage client")
		} else {
			speechOpts.Archive = storageClient
			log.Info().Msg("Cloud Storage client initialized")
		}
	case "", "none":
	default:
		log.Warn().Str("archive", cfg.SpeechArchive).Msg("Unknown SPEECH_ARCHIVE, speech archive disabled")
	}

	// Presets
	var (
		presetRepo     repository.PresetRepository
		presetFile     *repository.YAMLPresetRepository
		postgresClient *client.PostgresClient
	)
	if cfg.DatabaseURL != "" {
		postgresClient, err = client.NewPostgresClient(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Postgres client")
		}
		presetRepo = repository.NewPostgresPresetRepository(postgresClient)
		checks["postgres"] = postgresClient.Ping
		log.Info().Msg("Serving presets from Postgres")
	} else {
		presetFile, err = repository.NewYAMLPresetRepository(cfg.PresetsFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.PresetsFile).Msg("Failed to load presets")
		}
		presetRepo = presetFile
		log.Info().Str("file", cfg.PresetsFile).Msg("Serving presets from file, SIGHUP reloads")
	}

	// Initialize services
	tutorService := service.NewTutorService(router, cfg.Models, cfg.AICallTimeout, metrics, logger.Component(log, "tutor"))
	speechService := service.NewSpeechService(speechOpts)
	presetService := service.NewPresetService(presetRepo, logger.Component(log, "presets"))

	// Initialize handlers
	healthHandler := http.NewHealthHandler(checks)
	apiHandler := http.NewAPIHandler(log, tutorService, speechService, presetService)
	hub := server.NewWebSocketHub(ws.Deps{
		AI:          tutorService,
		Speech:      speechService,
		Presets:     presetService,
		Defaults:    cfg.Models,
		CallTimeout: cfg.AICallTimeout,
		AutoSpeak:   cfg.SessionAutoSpeak,
		ReplyTokens: cfg.SessionReplyTokens,
		AudioCache:  cfg.SessionAudioEntries,
		Metrics:     metrics,
		Logger:      logger.Component(log, "session"),
	}, cfg.CORSAllowedOrigins, log)

	// Initialize HTTP server
	httpServer := server.NewHTTPServer(cfg, log, server.NewRouter(cfg, log, metrics, server.Routes{
		Health:  healthHandler,
		API:     apiHandler,
		Hub:     hub,
		Metrics: metricsHandler,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(httpServer.Start)
	if presetFile != nil {
		hangup := make(chan os.Signal, 1)
		signal.Notify(hangup, syscall.SIGHUP)
		defer signal.Stop(hangup)
		g.Go(func() error {
			presetFile.ReloadOn(gctx, hangup, logger.Component(log, "presets"))
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down servers...")
		healthHandler.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info().
		Str("http_addr", cfg.HTTPAddress()).
		Msg("Servers started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("HTTP server error")
	}

	// Close clients
	if redisClient != nil {
		redisClient.Close()
	}
	if storageClient != nil {
		storageClient.Close()
	}
	if postgresClient != nil {
		postgresClient.Close()
	}
	if err := shutdownMetrics(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Metrics provider shutdown error")
	}

	log.Info().Msg("Server stopped")
}
