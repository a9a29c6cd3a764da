// Package config defines the environment configuration contract and handles
// loading and validating it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken = "TELEGRAM_TOKEN"
	KeyBotOwner      = "BOT_OWNER"
	KeyMongoURI      = "MONGO_URI"
	KeyMongoDB       = "MONGO_DB"
	KeyRedisAddr     = "REDIS_ADDR"
	KeyAIAPIKey      = "AI_API_KEY"
	KeyAIBaseURL     = "AI_BASE_URL"
	KeyAIModel       = "AI_MODEL"
	KeyAITimeout     = "AI_TIMEOUT_SECONDS"
	KeyDeveloper     = "DEVELOPER_CONTACT"
	KeyAppEnv        = "APP_ENV"
	KeyLogLevel      = "LOG_LEVEL"
	KeyHTTPPort      = "HTTP_PORT"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv    = EnvProduction
	DefaultLogLevel  = "info"
	DefaultHTTPPort  = 8080
	DefaultRedisAddr = "localhost:6379"
	DefaultAIModel   = "gpt-4o-mini"
	DefaultAITimeout = 15 * time.Second
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyBotOwner,
		Example:     "123456789",
		Required:    true,
		Description: "Telegram user_id of the bot owner; permanently admin and VIP.",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Required:    true,
		Description: "MongoDB connection string for users, roles and settings.",
	},
	{
		Key:         KeyMongoDB,
		Example:     "ai_relay_bot",
		Required:    true,
		Description: "MongoDB database name.",
	},
	{
		Key:         KeyRedisAddr,
		Example:     DefaultRedisAddr,
		Default:     DefaultRedisAddr,
		Description: "Redis address for per-user conversation logs.",
	},
	{
		Key:         KeyAIAPIKey,
		Example:     "sk-...",
		Required:    true,
		Description: "API key for the OpenAI-compatible inference service.",
	},
	{
		Key:         KeyAIBaseURL,
		Example:     "https://api.openai.com/v1",
		Description: "Overrides the inference service base URL.",
	},
	{
		Key:         KeyAIModel,
		Example:     DefaultAIModel,
		Default:     DefaultAIModel,
		Description: "Model name requested from the inference service.",
	},
	{
		Key:         KeyAITimeout,
		Example:     "15",
		Default:     "15",
		Description: "Upper bound in seconds for a single inference call.",
	},
	{
		Key:         KeyDeveloper,
		Example:     "@yourhandle",
		Description: "Telegram handle shown by /developer; the command reports nothing configured when unset.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health/diagnostics port.",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string
	BotOwnerID    int64
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	AIAPIKey      string
	AIBaseURL     string
	AIModel       string
	AITimeout     time.Duration
	Developer     string
	AppEnv        string
	LogLevel      string
	HTTPPort      int
}

// Load resolves configuration from the environment (with optional dotenv in
// development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:        firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken: strings.TrimSpace(os.Getenv(KeyTelegramToken)),
		MongoURI:      strings.TrimSpace(os.Getenv(KeyMongoURI)),
		MongoDB:       strings.TrimSpace(os.Getenv(KeyMongoDB)),
		RedisAddr:     firstNonEmpty(strings.TrimSpace(os.Getenv(KeyRedisAddr)), DefaultRedisAddr),
		AIAPIKey:      strings.TrimSpace(os.Getenv(KeyAIAPIKey)),
		AIBaseURL:     strings.TrimSpace(os.Getenv(KeyAIBaseURL)),
		AIModel:       firstNonEmpty(strings.TrimSpace(os.Getenv(KeyAIModel)), DefaultAIModel),
		AITimeout:     DefaultAITimeout,
		Developer:     strings.TrimSpace(os.Getenv(KeyDeveloper)),
		LogLevel:      firstNonEmpty(strings.TrimSpace(os.Getenv(KeyLogLevel)), DefaultLogLevel),
		HTTPPort:      DefaultHTTPPort,
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	ownerRaw := strings.TrimSpace(os.Getenv(KeyBotOwner))
	if ownerRaw == "" {
		missing = append(missing, KeyBotOwner)
	} else {
		ownerID, parseErr := strconv.ParseInt(ownerRaw, 10, 64)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBotOwner, parseErr)
		}
		cfg.BotOwnerID = ownerID
	}

	if cfg.MongoURI == "" {
		missing = append(missing, KeyMongoURI)
	}

	if cfg.MongoDB == "" {
		missing = append(missing, KeyMongoDB)
	}

	if cfg.AIAPIKey == "" {
		missing = append(missing, KeyAIAPIKey)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	timeoutRaw := strings.TrimSpace(os.Getenv(KeyAITimeout))
	if timeoutRaw != "" {
		seconds, parseErr := strconv.Atoi(timeoutRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyAITimeout, parseErr)
		}
		if seconds <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyAITimeout)
		}
		cfg.AITimeout = time.Duration(seconds) * time.Second
	}

	httpPortRaw := strings.TrimSpace(os.Getenv(KeyHTTPPort))
	if httpPortRaw != "" {
		port, parseErr := strconv.Atoi(httpPortRaw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// FormatRedacted renders the resolved configuration for diagnostics with
// secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		fmt.Sprintf("%s=%s", KeyTelegramToken, redactSecret(cfg.TelegramToken)),
		fmt.Sprintf("%s=%d", KeyBotOwner, cfg.BotOwnerID),
		fmt.Sprintf("%s=%s", KeyMongoURI, redactSecret(cfg.MongoURI)),
		fmt.Sprintf("%s=%s", KeyMongoDB, cfg.MongoDB),
		fmt.Sprintf("%s=%s", KeyRedisAddr, cfg.RedisAddr),
		fmt.Sprintf("%s=%s", KeyAIAPIKey, redactSecret(cfg.AIAPIKey)),
		fmt.Sprintf("%s=%s", KeyAIBaseURL, cfg.AIBaseURL),
		fmt.Sprintf("%s=%s", KeyAIModel, cfg.AIModel),
		fmt.Sprintf("%s=%d", KeyAITimeout, int(cfg.AITimeout/time.Second)),
		fmt.Sprintf("%s=%s", KeyDeveloper, cfg.Developer),
		fmt.Sprintf("%s=%s", KeyAppEnv, cfg.AppEnv),
		fmt.Sprintf("%s=%s", KeyLogLevel, cfg.LogLevel),
		fmt.Sprintf("%s=%d", KeyHTTPPort, cfg.HTTPPort),
	}

	return strings.Join(lines, "\n")
}

func redactSecret(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}

	return value[:2] + "****" + value[len(value)-2:]
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
