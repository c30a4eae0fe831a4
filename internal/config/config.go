package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/openmohaa/session-tracker/internal/logic"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	// Server
	Port int    `validate:"min=1,max=65535"`
	Env  string `validate:"required"`

	// CORS
	AllowedOrigins []string

	// Storage
	Store         string `validate:"oneof=postgres memory"`
	PostgresURL   string `validate:"required_if=Store postgres"`
	RedisURL      string
	ClickHouseURL string
	StoreRetries  int `validate:"min=1"`

	// Snapshot source
	SourceURL           string        `validate:"required,url"`
	PollInterval        time.Duration `validate:"min=1s"`
	SourceListTimeout   time.Duration `validate:"gt=0"`
	SourceDetailTimeout time.Duration `validate:"gt=0"`
	SourceRetries       int           `validate:"min=0,max=10"`
	SourceRatePerSecond float64       `validate:"gte=0"`

	// Worker pool
	WorkerCount     int           `validate:"min=1,max=64"`
	TaskTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Session engine
	SessionTimeout       time.Duration `validate:"gt=0"`
	MinPlayersForSession int           `validate:"min=0"`
	TerminalWave         int           `validate:"min=1"`
	SurvivorTeam         int
	OpposingTeam         int
	ScoreNoiseThreshold  int `validate:"min=0"`
	TransitionsFile      string

	// Alerts
	AlertWindow time.Duration `validate:"gt=0"`
	AlertMemory int           `validate:"min=1"`

	// Archive
	ArchiveBatchSize     int           `validate:"min=1"`
	ArchiveFlushInterval time.Duration `validate:"gt=0"`
}

var validate = validator.New()

// Load loads configuration from environment variables, after reading an
// optional .env file from the working directory. Variables already set in
// the environment win over the file.
// It returns an error if critical configuration is missing.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Env:  getEnv("ENV", "development"),

		Store:         getEnv("STORE", StorePostgres),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		ClickHouseURL: getEnv("CLICKHOUSE_URL", ""),
		StoreRetries:  getEnvInt("STORE_RETRIES", 5),

		SourceURL:           getEnv("SOURCE_URL", "https://csc.sunrust.org/public/servers"),
		PollInterval:        getEnvDuration("POLL_INTERVAL", 10*time.Second),
		SourceListTimeout:   getEnvDuration("SOURCE_TIMEOUT", 10*time.Second),
		SourceDetailTimeout: getEnvDuration("SOURCE_DETAIL_TIMEOUT", 15*time.Second),
		SourceRetries:       getEnvInt("SOURCE_RETRIES", 3),
		SourceRatePerSecond: getEnvFloat("SOURCE_RATE_PER_SECOND", 20),

		WorkerCount:     getEnvInt("WORKER_COUNT", min(runtime.NumCPU(), 8)),
		TaskTimeout:     getEnvDuration("TASK_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		SessionTimeout:       getEnvDuration("SESSION_TIMEOUT", 15*time.Minute),
		MinPlayersForSession: getEnvInt("MIN_PLAYERS_FOR_SESSION", 1),
		TerminalWave:         getEnvInt("TERMINAL_WAVE", 6),
		SurvivorTeam:         getEnvInt("SURVIVOR_TEAM", 4),
		OpposingTeam:         getEnvInt("OPPOSING_TEAM", 3),
		ScoreNoiseThreshold:  getEnvInt("SCORE_NOISE_THRESHOLD", 5),
		TransitionsFile:      getEnv("TRANSITIONS_FILE", ""),

		AlertWindow: getEnvDuration("ALERT_WINDOW", time.Minute),
		AlertMemory: getEnvInt("ALERT_MEMORY", 512),

		ArchiveBatchSize:     getEnvInt("ARCHIVE_BATCH_SIZE", 500),
		ArchiveFlushInterval: getEnvDuration("ARCHIVE_FLUSH_INTERVAL", 5*time.Second),
	}

	// CORS
	origins := getEnv("ALLOWED_ORIGINS", "http://localhost:3000")
	rawOrigins := strings.Split(origins, ",")
	for _, o := range rawOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EngineConfig builds the lifecycle engine settings, applying the
// transitions file when one is configured.
func (c *Config) EngineConfig() (logic.EngineConfig, error) {
	ec := logic.DefaultEngineConfig()
	ec.SessionTimeout = c.SessionTimeout
	ec.MinPlayersForSession = c.MinPlayersForSession
	ec.TerminalWave = c.TerminalWave
	ec.SurvivorTeam = c.SurvivorTeam
	ec.OpposingTeam = c.OpposingTeam
	ec.ScoreNoiseThreshold = c.ScoreNoiseThreshold

	if c.TransitionsFile != "" {
		table, names, err := logic.LoadTransitionTable(c.TransitionsFile)
		if err != nil {
			return ec, err
		}
		ec.Transitions = table
		ec.TeamNames = names
	}
	return ec, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
