package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TheodoreChuang/habita/internal/api"
	"github.com/TheodoreChuang/habita/internal/flow"
	"github.com/TheodoreChuang/habita/internal/genai"
	"github.com/TheodoreChuang/habita/internal/store"
	"github.com/TheodoreChuang/habita/internal/util"
	"github.com/TheodoreChuang/habita/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for Habita state data.
	DefaultStateDir = "/var/lib/habita"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "habita.db"
)

// Config holds environment configuration.
type Config struct {
	DatabaseURL      string
	WhatsAppDSN      string
	StateDir         string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	SummaryThreshold int
	AutoEnroll       bool
	UseTwilio        bool
}

// Flags holds command line flag values, defaulted from the environment.
type Flags struct {
	qrOutput   *string
	numeric    *bool
	stateDir   *string
	dbDSN      *string
	waDSN      *string
	openaiKey  *string
	apiAddr    *string
	autoEnroll *bool
	useTwilio  *bool
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(config, flags)
	apiOpts := buildAPIOptions(config, flags)

	slog.Info("Bootstrapping Habita",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"twilio", *flags.useTwilio)
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("Habita failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Habita exited successfully")
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("HABITA_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from the environment and an
// optional .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("HABITA_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		SummaryThreshold: util.ParseIntEnv("SUMMARY_THRESHOLD", flow.DefaultSummaryThreshold),
		AutoEnroll:       util.ParseBoolEnv("AUTO_ENROLL", true),
		UseTwilio:        util.ParseBoolEnv("USE_TWILIO", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:   flag.String("qr-output", "", "path to write login QR code"),
		numeric:    flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for Habita data (overrides $HABITA_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN for the coaching store (overrides $DATABASE_URL)"),
		waDSN:      flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "admin API address (overrides $API_ADDR)"),
		autoEnroll: flag.Bool("auto-enroll", config.AutoEnroll, "enroll unknown senders on first contact (overrides $AUTO_ENROLL)"),
		useTwilio:  flag.Bool("twilio", config.UseTwilio, "use the Twilio transport instead of Whatsmeow (overrides $USE_TWILIO)"),
	}

	flag.Parse()
	return flags
}

// ensureDirectoriesExist creates directories for file-based storage.
func ensureDirectoriesExist(flags Flags) error {
	for _, dsn := range []string{*flags.dbDSN, *flags.waDSN} {
		if store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return err
		}
	}
	return nil
}

func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	}
	return storeOpts
}

func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(openai.ChatModel(config.OpenAIModel)))
	}
	return genaiOpts
}

func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithSummaryThreshold(config.SummaryThreshold),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.autoEnroll {
		apiOpts = append(apiOpts, api.WithAutoEnroll())
	}
	if *flags.useTwilio {
		apiOpts = append(apiOpts, api.WithTwilioTransport())
	}
	return apiOpts
}
