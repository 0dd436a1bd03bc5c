package config

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"daily-quiz"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	LogLevel                string        `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`
	StorageBackend          string        `env:"STORAGE_BACKEND" envDefault:"postgres"`

	Postgres    Postgres
	Redis       Redis
	Security    Security
	Quiz        Quiz
	Scheduler   Scheduler
	Eligibility Eligibility
	Events      Events
}

// Postgres captures connection info for the SQL database.
type Postgres struct {
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER" envDefault:"quiz"`
	Password string `env:"PG_PASSWORD" envDefault:""`
	Database string `env:"PG_DATABASE" envDefault:"daily_quiz"`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
	MaxConns int    `env:"PG_MAX_CONNS" envDefault:"10"`
}

// DSN renders the pgx connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode, p.MaxConns)
}

// Redis holds pub/sub, queue and cache configuration.
type Redis struct {
	Addr          string `env:"REDIS_ADDR,notEmpty"`
	DB            int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize      int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
	EventsChannel string `env:"REDIS_EVENTS_CHANNEL" envDefault:"quiz:events"`
}

// Security stores secrets for signing and auth.
type Security struct {
	JWTSecret    string   `env:"JWT_SECRET,notEmpty"`
	JWTIssuer    string   `env:"JWT_ISSUER" envDefault:"daily-quiz"`
	AdminKeyHash string   `env:"ADMIN_KEY_HASH" envDefault:""`
	AllowOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:""`
}

// Quiz groups gameplay rules.
type Quiz struct {
	Grace           time.Duration `env:"QUIZ_ANSWER_GRACE" envDefault:"1s"`
	MinElapsed      time.Duration `env:"QUIZ_MIN_ANSWER_ELAPSED" envDefault:"0s"`
	TopN            int           `env:"QUIZ_LEADERBOARD_TOP" envDefault:"10"`
	RankPolicy      string        `env:"QUIZ_RANK_POLICY" envDefault:"all"`
	TickInterval    time.Duration `env:"QUIZ_TICK_INTERVAL" envDefault:"1s"`
	MaxParticipants int           `env:"QUIZ_MAX_PARTICIPANTS" envDefault:"0"`
	PersistRetries  uint64        `env:"QUIZ_PERSIST_RETRIES" envDefault:"3"`
}

// Scheduler governs lifecycle jobs and per-quiz loop ownership.
type Scheduler struct {
	Mode           string        `env:"SCHEDULER_MODE" envDefault:"queue"`
	PollInterval   time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"500ms"`
	JobLease       time.Duration `env:"SCHEDULER_JOB_LEASE" envDefault:"30s"`
	MaxAttempts    int           `env:"SCHEDULER_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff   time.Duration `env:"SCHEDULER_RETRY_BACKOFF" envDefault:"1s"`
	PlanInterval   time.Duration `env:"SCHEDULER_PLAN_INTERVAL" envDefault:"30s"`
	PlanHorizon    time.Duration `env:"SCHEDULER_PLAN_HORIZON" envDefault:"24h"`
	AlertOffset    time.Duration `env:"SCHEDULER_ALERT_OFFSET" envDefault:"5m"`
	ReadyOffset    time.Duration `env:"SCHEDULER_READY_OFFSET" envDefault:"1m"`
	EndPadding     time.Duration `env:"SCHEDULER_END_PADDING" envDefault:"30s"`
	ResultsDelay   time.Duration `env:"SCHEDULER_RESULTS_DELAY" envDefault:"1m"`
	DriverLease    time.Duration `env:"SCHEDULER_DRIVER_LEASE" envDefault:"15s"`
	AdvanceRetries uint64        `env:"SCHEDULER_ADVANCE_RETRIES" envDefault:"3"`
}

// Eligibility configures the payments-service gate.
type Eligibility struct {
	Mode         string        `env:"ELIGIBILITY_MODE" envDefault:"allow_all"`
	BaseURL      string        `env:"ELIGIBILITY_BASE_URL" envDefault:""`
	TokenURL     string        `env:"ELIGIBILITY_TOKEN_URL" envDefault:""`
	ClientID     string        `env:"ELIGIBILITY_CLIENT_ID" envDefault:""`
	ClientSecret string        `env:"ELIGIBILITY_CLIENT_SECRET" envDefault:""`
	Scopes       []string      `env:"ELIGIBILITY_SCOPES" envSeparator:"," envDefault:""`
	Timeout      time.Duration `env:"ELIGIBILITY_TIMEOUT" envDefault:"3s"`
	CacheTTL     time.Duration `env:"ELIGIBILITY_CACHE_TTL" envDefault:"36h"`
}

// Events configures outbound notifications.
type Events struct {
	Kind         string   `env:"EVENTS_PUBLISHER" envDefault:"none"`
	KafkaBrokers []string `env:"EVENTS_KAFKA_BROKERS" envSeparator:"," envDefault:""`
	Topic        string   `env:"EVENTS_TOPIC" envDefault:"quiz-events"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *App) validate() error {
	switch c.StorageBackend {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageBackend)
	}
	if c.Eligibility.Mode == "http" && c.Eligibility.BaseURL == "" {
		return fmt.Errorf("ELIGIBILITY_BASE_URL is required when ELIGIBILITY_MODE=http")
	}
	if c.Events.Kind == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		return fmt.Errorf("EVENTS_KAFKA_BROKERS is required when EVENTS_PUBLISHER=kafka")
	}
	return nil
}
