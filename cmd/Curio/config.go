package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/Curio/internal/api"
	"github.com/BTreeMap/Curio/internal/flow"
	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/knowledge"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/BTreeMap/Curio/internal/util"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Curio state data
	DefaultStateDir = "/var/lib/curio"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "curio.db"
)

// Config holds everything the commands need, loaded from the environment and then
// overridden by flags.
type Config struct {
	StateDir    string
	DatabaseURL string
	Addr        string
	Origins     []string

	OpenAIKey       string
	OpenAIBaseURL   string
	Model           string
	ClassifierModel string
	MaxTokens       int
	Temperature     float64
	GenAITimeout    time.Duration
	GenAIMaxRetries int
	Debug           bool

	TemplatesFile string
	KnowledgeFile string
	PhenomenaFile string
	HistoryMode   models.HistoryMode
}

// loadEnvironmentConfig reads .env (when present) and the process environment.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    util.GetEnv("CURIO_STATE_DIR", DefaultStateDir),
		DatabaseURL: util.GetEnv("DATABASE_URL", ""),
		Addr:        util.GetEnv("API_ADDR", api.DefaultAddr),
		Origins:     util.ParseListEnv("CORS_ORIGINS"),

		OpenAIKey:       util.GetEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   util.GetEnv("OPENAI_BASE_URL", ""),
		Model:           util.GetEnv("CURIO_MODEL", genai.DefaultModel),
		ClassifierModel: util.GetEnv("CURIO_CLASSIFIER_MODEL", ""),
		MaxTokens:       util.ParseIntEnv("CURIO_MAX_TOKENS", genai.DefaultMaxTokens),
		Temperature:     util.ParseFloatEnv("CURIO_TEMPERATURE", genai.DefaultTemperature),
		GenAITimeout:    util.ParseDurationEnv("CURIO_GENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIMaxRetries: util.ParseIntEnv("CURIO_GENAI_MAX_RETRIES", genai.DefaultMaxRetries),
		Debug:           util.ParseBoolEnv("CURIO_DEBUG", false),

		TemplatesFile: util.GetEnv("CURIO_PROMPTS_FILE", ""),
		KnowledgeFile: util.GetEnv("KNOWLEDGE_BASE_FILE", ""),
		PhenomenaFile: util.GetEnv("PHENOMENA_FILE", ""),
	}

	if len(config.Origins) == 0 {
		config.Origins = []string{util.GetEnv("VUE_APP_URL", api.DefaultFrontendOrigin)}
	}

	mode, ok := models.ParseHistoryMode(os.Getenv("CURIO_HISTORY_MODE"))
	if !ok {
		slog.Warn("unknown CURIO_HISTORY_MODE, using default", "value", os.Getenv("CURIO_HISTORY_MODE"), "default", mode)
	}
	config.HistoryMode = mode

	slog.Debug("environment variables loaded",
		"CURIO_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.Addr,
		"CORS_ORIGINS", strings.Join(config.Origins, ","),
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"CURIO_MODEL", config.Model,
		"CURIO_HISTORY_MODE", config.HistoryMode)

	return config
}

// applyCommonFlags applies the persistent flags shared by every command.
func applyCommonFlags(flags *pflag.FlagSet, config *Config) {
	if flags.Changed("state-dir") {
		config.StateDir = stateDirFlag
	}
	if flags.Changed("db-dsn") {
		config.DatabaseURL = dsnFlag
	}
}

// databaseDSN returns the configured DSN, defaulting to SQLite in the state directory.
func (c Config) databaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

func buildStoreOptions(config Config) []store.Option {
	dsn := config.databaseDSN()
	if store.DetectDSNType(dsn) == store.DriverPostgres {
		slog.Debug("using PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("using SQLite store", "path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

func buildGenAIOptions(config Config) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(config.Model),
		genai.WithMaxTokens(config.MaxTokens),
		genai.WithTemperature(config.Temperature),
		genai.WithTimeout(config.GenAITimeout),
		genai.WithMaxRetries(config.GenAIMaxRetries),
		genai.WithDebugMode(config.Debug),
		genai.WithStateDir(config.StateDir),
	}
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return opts
}

func buildAPIOptions(config Config) []api.Option {
	return []api.Option{
		api.WithAddr(config.Addr),
		api.WithAllowedOrigins(config.Origins...),
	}
}

// buildFlowDependencies loads the template set and knowledge files. Paths that are not
// configured use the embedded defaults.
func buildFlowDependencies(config Config, client genai.ClientInterface, st store.Store) (flow.Dependencies, error) {
	deps := flow.Dependencies{
		GenAI:           client,
		Store:           st,
		ClassifierModel: config.ClassifierModel,
		HistoryMode:     config.HistoryMode,
	}

	deps.Templates = prompts.Default()
	if config.TemplatesFile != "" {
		templates, err := prompts.Load(config.TemplatesFile)
		if err != nil {
			return deps, fmt.Errorf("failed to load prompt templates: %w", err)
		}
		deps.Templates = templates
	}

	kb, err := knowledge.LoadKnowledgeBase(config.KnowledgeFile)
	if err != nil {
		return deps, fmt.Errorf("failed to load knowledge base: %w", err)
	}
	deps.KnowledgeBase = kb

	catalog, err := knowledge.LoadCatalog(config.PhenomenaFile)
	if err != nil {
		return deps, fmt.Errorf("failed to load phenomena catalog: %w", err)
	}
	deps.Catalog = catalog
	return deps, nil
}
