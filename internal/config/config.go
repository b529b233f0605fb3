package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qualys/intelengine/internal/models"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Engine        EngineConfig        `yaml:"engine"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Storage       StorageConfig       `yaml:"storage"`
	EventBus      EventBusConfig      `yaml:"event_bus"`
	Database      DatabaseConfig      `yaml:"database"`
	Badger        BadgerConfig        `yaml:"badger"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	NATS          NATSConfig          `yaml:"nats"`
	AWS           AWSConfig           `yaml:"aws"`
	Azure         AzureConfig         `yaml:"azure"`
	GCP           GCPConfig           `yaml:"gcp"`
	Anchor        AnchorConfig        `yaml:"anchor"`
	Reports       ReportsConfig       `yaml:"reports"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type EngineConfig struct {
	Workers    int           `yaml:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	Queue      string        `yaml:"queue"` // memory or redis
}

type ExtractionConfig struct {
	MaxPerType        map[string]int `yaml:"max_per_type"`
	DefaultMaxPerType int            `yaml:"default_max_per_type"`
	ContextBonusCap   int            `yaml:"context_bonus_cap"`
}

type CorrelationConfig struct {
	Shards             int                 `yaml:"shards"`
	FuzzyMaxDistance   int                 `yaml:"fuzzy_max_distance"`
	ContradictionRules []ContradictionRule `yaml:"contradiction_rules"`
}

// ContradictionRule registers a CEL expression evaluated over the facts of
// two Intelligence records, exposed as the maps a and b.
type ContradictionRule struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Expression string `yaml:"expression"`
}

type SynthesisConfig struct {
	StrengthThreshold int           `yaml:"strength_threshold"`
	MinEntities       int           `yaml:"min_entities"`
	TemporalWindow    time.Duration `yaml:"temporal_window"`
	GeoRadiusKm       float64       `yaml:"geo_radius_km"`
}

type StorageConfig struct {
	CacheSize          int           `yaml:"cache_size"`
	KV                 string        `yaml:"kv"`   // memory, badger or postgres
	Blob               string        `yaml:"blob"` // memory, s3, gcs or azure
	BlobThresholdBytes int           `yaml:"blob_threshold_bytes"`
	TimeBucket         time.Duration `yaml:"time_bucket"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff    time.Duration `yaml:"retry_max_backoff"`
	S3Bucket           string        `yaml:"s3_bucket"`
	GCSBucket          string        `yaml:"gcs_bucket"`
	AzureContainer     string        `yaml:"azure_container"`
	AzureAccountURL    string        `yaml:"azure_account_url"`
}

type EventBusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type BadgerConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

type AzureConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type GCPConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AnchorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MinLevel string `yaml:"min_level"`
}

type ReportsConfig struct {
	Author string `yaml:"author"`
}

type NotificationsConfig struct {
	MinSeverity models.Severity   `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type SchedulerConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	SynthesisSchedule       string `yaml:"synthesis_schedule"`
	ReportSchedule          string `yaml:"report_schedule"`
	ReportCriticalThreshold int    `yaml:"report_critical_threshold"`
	ReapSchedule            string `yaml:"reap_schedule"`
	// StaleAfter is how long a job may go without a worker heartbeat
	// before the reap job requeues it.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) validate() error {
	switch c.Storage.KV {
	case "memory", "badger", "postgres":
	default:
		return fmt.Errorf("storage.kv: unknown driver %q", c.Storage.KV)
	}
	switch c.Storage.Blob {
	case "memory", "s3", "gcs", "azure":
	default:
		return fmt.Errorf("storage.blob: unknown driver %q", c.Storage.Blob)
	}
	switch c.Engine.Queue {
	case "memory", "redis":
	default:
		return fmt.Errorf("engine.queue: unknown queue %q", c.Engine.Queue)
	}
	if _, err := models.ParseClassification(c.Anchor.MinLevel); err != nil {
		return fmt.Errorf("anchor.min_level: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Engine.Workers == 0 {
		c.Engine.Workers = 8
	}
	if c.Engine.JobTimeout == 0 {
		c.Engine.JobTimeout = 2 * time.Minute
	}
	if c.Engine.Queue == "" {
		c.Engine.Queue = "memory"
	}

	if c.Extraction.DefaultMaxPerType == 0 {
		c.Extraction.DefaultMaxPerType = 50
	}
	if c.Extraction.MaxPerType == nil {
		c.Extraction.MaxPerType = map[string]int{"email": 20}
	}
	if c.Extraction.ContextBonusCap == 0 {
		c.Extraction.ContextBonusCap = 15
	}

	if c.Correlation.Shards == 0 {
		c.Correlation.Shards = 16
	}
	if c.Correlation.FuzzyMaxDistance == 0 {
		c.Correlation.FuzzyMaxDistance = 2
	}

	if c.Synthesis.StrengthThreshold == 0 {
		c.Synthesis.StrengthThreshold = 70
	}
	if c.Synthesis.MinEntities == 0 {
		c.Synthesis.MinEntities = 2
	}
	if c.Synthesis.TemporalWindow == 0 {
		c.Synthesis.TemporalWindow = time.Hour
	}
	if c.Synthesis.GeoRadiusKm == 0 {
		c.Synthesis.GeoRadiusKm = 25
	}

	if c.Storage.CacheSize == 0 {
		c.Storage.CacheSize = 10000
	}
	if c.Storage.KV == "" {
		c.Storage.KV = "badger"
	}
	if c.Storage.Blob == "" {
		c.Storage.Blob = "memory"
	}
	if c.Storage.BlobThresholdBytes == 0 {
		c.Storage.BlobThresholdBytes = 64 * 1024
	}
	if c.Storage.TimeBucket == 0 {
		c.Storage.TimeBucket = time.Hour
	}
	if c.Storage.RetryAttempts == 0 {
		c.Storage.RetryAttempts = 3
	}
	if c.Storage.RetryBackoff == 0 {
		c.Storage.RetryBackoff = 50 * time.Millisecond
	}
	if c.Storage.RetryMaxBackoff == 0 {
		c.Storage.RetryMaxBackoff = 2 * time.Second
	}

	if c.EventBus.SubscriberBuffer == 0 {
		c.EventBus.SubscriberBuffer = 256
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Badger.Path == "" {
		c.Badger.Path = "data/kv"
	}
	if c.Badger.GCInterval == 0 {
		c.Badger.GCInterval = 5 * time.Minute
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "intel"
	}

	if c.Anchor.MinLevel == "" {
		c.Anchor.MinLevel = models.Secret.String()
	}

	if c.Reports.Author == "" {
		c.Reports.Author = "intel-engine"
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = models.SeverityHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}

	if c.Scheduler.SynthesisSchedule == "" {
		c.Scheduler.SynthesisSchedule = "0 */5 * * * *"
	}
	if c.Scheduler.ReportSchedule == "" {
		c.Scheduler.ReportSchedule = "@hourly"
	}
	if c.Scheduler.ReportCriticalThreshold == 0 {
		c.Scheduler.ReportCriticalThreshold = 3
	}
	if c.Scheduler.ReapSchedule == "" {
		c.Scheduler.ReapSchedule = "@every 1m"
	}
	if c.Scheduler.StaleAfter == 0 {
		c.Scheduler.StaleAfter = 2 * time.Minute
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}
