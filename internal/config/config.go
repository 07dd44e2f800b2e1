package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

type HTTP struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

type DB struct {
	URL             string        `env:"DATABASE_URL,required,notEmpty"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
}

type Redis struct {
	URL string `env:"REDIS_URL"`
}

type Kafka struct {
	BootstrapServers string `env:"KAFKA_BOOTSTRAP_SERVERS"`
	AuditTopic       string `env:"KAFKA_AUDIT_TOPIC" envDefault:"lims-eln-sync.audit"`
	DeadLetterTopic  string `env:"KAFKA_DEADLETTER_TOPIC" envDefault:"lims-eln-sync.dead-letters"`
}

// System configures the REST endpoint of one external system. An empty
// URL selects the in-process adapter.
type System struct {
	URL               string        `env:"URL"`
	APIKey            string        `env:"KEY"`
	RequestsPerSecond float64       `env:"RPS" envDefault:"10"`
	Burst             int           `env:"BURST" envDefault:"20"`
	Timeout           time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

type Classifier struct {
	URL       string        `env:"CLASSIFIER_URL"`
	Timeout   time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"2s"`
	Threshold float64       `env:"ANOMALY_THRESHOLD" envDefault:"0.7"`
}

type Sync struct {
	Workers     int           `env:"SYNC_WORKERS" envDefault:"4"`
	QueueSize   int           `env:"SYNC_QUEUE_SIZE" envDefault:"256"`
	MaxAttempts int           `env:"SYNC_RETRY_ATTEMPTS" envDefault:"5"`
	BackoffBase time.Duration `env:"SYNC_RETRY_DELAY" envDefault:"500ms"`
	BackoffCap  time.Duration `env:"SYNC_RETRY_MAX_DELAY" envDefault:"30s"`
	MaxJitter   time.Duration `env:"SYNC_RETRY_JITTER" envDefault:"250ms"`
	CallTimeout time.Duration `env:"SYNC_CALL_TIMEOUT" envDefault:"10s"`
	JobTTL      time.Duration `env:"SYNC_JOB_TTL" envDefault:"5m"`
	LeaseTTL    time.Duration `env:"SYNC_LEASE_TTL" envDefault:"30s"`
}

type Feed struct {
	PollInterval   time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	ResyncInterval time.Duration `env:"RESYNC_INTERVAL" envDefault:"1h"`
}

type Ledger struct {
	VerifyInterval time.Duration `env:"LEDGER_VERIFY_INTERVAL" envDefault:"10m"`
	TailInterval   time.Duration `env:"LEDGER_TAIL_INTERVAL" envDefault:"2s"`
}

type Telemetry struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
}

type Config struct {
	HTTP       HTTP
	Log        Log
	DB         DB
	Redis      Redis
	Kafka      Kafka
	LIMS       System `envPrefix:"LIMS_API_"`
	ELN        System `envPrefix:"ELN_API_"`
	Classifier Classifier
	Sync       Sync
	Feed       Feed
	Ledger     Ledger
	Telemetry  Telemetry
	SchemaFile string `env:"SCHEMA_FILE" envDefault:"config/schema.yaml"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, domain.ConfigurationError(err)
	}
	return cfg, nil
}

// Validate checks values env tags cannot express. Every problem is
// reported at once.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.DB.URL, "postgres://") && !strings.HasPrefix(c.DB.URL, "postgresql://") && !strings.HasPrefix(c.DB.URL, "sqlite://") {
		errs = append(errs, fmt.Errorf("DATABASE_URL must be postgres:// or sqlite://"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}
	for name, s := range map[string]System{"LIMS_API_URL": c.LIMS, "ELN_API_URL": c.ELN} {
		if s.URL == "" {
			continue
		}
		if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s is not an absolute url: %q", name, s.URL))
		}
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		errs = append(errs, fmt.Errorf("ANOMALY_THRESHOLD must be within [0, 1]"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be at least 1"))
	}
	if c.Sync.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("SYNC_QUEUE_SIZE must be at least 1"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("SYNC_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		errs = append(errs, fmt.Errorf("retry delay must be positive and not above SYNC_RETRY_MAX_DELAY"))
	}
	if c.Sync.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_CALL_TIMEOUT must be positive"))
	}
	if c.Sync.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_LEASE_TTL must be positive"))
	}
	if c.Ledger.TailInterval <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_TAIL_INTERVAL must be positive"))
	}
	if c.Feed.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("SYNC_BATCH_SIZE must be at least 1"))
	}
	if c.SchemaFile == "" {
		errs = append(errs, fmt.Errorf("SCHEMA_FILE is required"))
	}
	if len(errs) > 0 {
		return domain.ConfigurationError(errors.Join(errs...))
	}
	return nil
}
