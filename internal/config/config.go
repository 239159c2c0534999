package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/inbox-intel/internal/classifier"
	"github.com/ignite/inbox-intel/internal/ledger"
	"github.com/ignite/inbox-intel/internal/pipeline"
	"github.com/ignite/inbox-intel/internal/publish"
	"github.com/ignite/inbox-intel/internal/render"
	"github.com/ignite/inbox-intel/internal/vision"
	"github.com/ignite/inbox-intel/internal/warehouse"
)

// Config holds all configuration for the analyzer
type Config struct {
	Log        LogConfig           `yaml:"log"`
	Mailbox    MailboxConfig       `yaml:"mailbox"`
	Pipeline   pipeline.Config     `yaml:"pipeline"`
	Classifier classifier.Config   `yaml:"classifier"`
	Render     render.Config       `yaml:"render"`
	Chrome     render.ChromeConfig `yaml:"chrome"`
	Publish    PublishConfig       `yaml:"publish"`
	Vision     VisionConfig        `yaml:"vision"`
	Ledger     ledger.Config       `yaml:"ledger"`
	Warehouse  WarehouseConfig     `yaml:"warehouse"`
	Lock       LockConfig          `yaml:"lock"`
	Metrics    MetricsConfig       `yaml:"metrics"`
}

// LogConfig controls the process-wide logger
type LogConfig struct {
	Level string `yaml:"level"`
	// RedactPII masks sender addresses. Nil means true.
	RedactPII *bool `yaml:"redact_pii"`
}

// Redact reports whether sender PII should be masked
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// MailboxConfig names the mbox files a run reads
type MailboxConfig struct {
	Paths   []string `yaml:"paths"`
	Mailbox string   `yaml:"mailbox"`
	Folder  string   `yaml:"folder"`
	// LookbackHours bounds the run to recent mail when no --since is given.
	LookbackHours int `yaml:"lookback_hours"`
}

// Lookback returns the lookback window as a duration
func (c MailboxConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// PublishConfig selects where rendered images go
type PublishConfig struct {
	// Mode is "s3" or "dir".
	Mode    string           `yaml:"mode"`
	S3      publish.S3Config `yaml:"s3"`
	Dir     string           `yaml:"dir"`
	BaseURL string           `yaml:"base_url"`
}

// AWSProfile returns the S3 profile, with the same environment override the
// other AWS clients use
func (c PublishConfig) AWSProfile() string {
	return awsProfile(c.S3.Profile)
}

// VisionConfig holds the analyzer and its Bedrock model
type VisionConfig struct {
	Analyzer vision.Config        `yaml:"analyzer"`
	Bedrock  vision.BedrockConfig `yaml:"bedrock"`
}

// AWSProfile returns the Bedrock profile, honoring AWS_PROFILE_OVERRIDE
func (c VisionConfig) AWSProfile() string {
	return awsProfile(c.Bedrock.Profile)
}

// WarehouseConfig holds the analysis table destination
type WarehouseConfig struct {
	Dialect     string                    `yaml:"dialect"`
	Table       string                    `yaml:"table"`
	Snowflake   warehouse.SnowflakeConfig `yaml:"snowflake"`
	PostgresURL string                    `yaml:"postgres_url"`
}

// LockConfig holds the single-run lock. With no Redis URL the Postgres
// advisory lock is used when the warehouse is Postgres.
type LockConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RedisURL   string `yaml:"redis_url"`
	Key        string `yaml:"key"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

// TTL returns the lock lifetime as a duration
func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// MetricsConfig holds the /metrics and /healthz listener
type MetricsConfig struct {
	// Addr is the listen address; empty disables the listener.
	Addr string `yaml:"addr"`
}

// awsProfile returns profile unless the environment says to use the default
// credential chain (IAM role on ECS or Lambda)
func awsProfile(profile string) string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return profile
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills what the packages cannot default themselves. Package
// configs (render, vision, ledger, pipeline) default their own zero fields.
func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Mailbox.Folder == "" {
		cfg.Mailbox.Folder = "INBOX"
	}
	if cfg.Mailbox.LookbackHours == 0 {
		cfg.Mailbox.LookbackHours = 24
	}
	if cfg.Publish.Mode == "" {
		cfg.Publish.Mode = "s3"
	}
	if cfg.Publish.Dir == "" {
		cfg.Publish.Dir = "./renders"
	}
	if cfg.Publish.S3.Region == "" {
		cfg.Publish.S3.Region = "us-west-2"
	}
	if cfg.Vision.Bedrock.Region == "" {
		cfg.Vision.Bedrock.Region = cfg.Publish.S3.Region
	}
	if cfg.Warehouse.Dialect == "" {
		cfg.Warehouse.Dialect = string(warehouse.DialectSnowflake)
	}
	if cfg.Warehouse.Table == "" {
		cfg.Warehouse.Table = warehouse.DefaultTable
	}
	if cfg.Lock.Key == "" {
		cfg.Lock.Key = "analyzer-run"
	}
	if cfg.Lock.TTLMinutes == 0 {
		cfg.Lock.TTLMinutes = 90
	}
	if cfg.Pipeline.LockRefresh <= 0 {
		cfg.Pipeline.LockRefresh = cfg.Lock.TTL() / 3
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
// An empty path starts from Default.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SNOWFLAKE_CONNECTION_STRING"); v != "" {
		cfg.Warehouse.Snowflake = warehouse.ParseConnectionString(v)
	}
	// DATABASE_URL switches the warehouse to Postgres unless a dialect was
	// chosen explicitly.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Warehouse.PostgresURL = v
		if os.Getenv("WAREHOUSE_DIALECT") == "" && cfg.Warehouse.Snowflake.Account == "" {
			cfg.Warehouse.Dialect = string(warehouse.DialectPostgres)
		}
	}
	if v := os.Getenv("WAREHOUSE_DIALECT"); v != "" {
		cfg.Warehouse.Dialect = v
	}
	if v := os.Getenv("RENDER_S3_BUCKET"); v != "" {
		cfg.Publish.S3.Bucket = v
	}
	if v := os.Getenv("RENDER_CDN_DOMAIN"); v != "" {
		cfg.Publish.S3.CDNDomain = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Publish.S3.Region = v
		cfg.Vision.Bedrock.Region = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Vision.Bedrock.ModelID = v
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.Chrome.ExecPath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
		cfg.Lock.Enabled = true
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	return cfg, nil
}

// Validate checks the settings a live run needs. Dry runs publish to a
// local directory and keep records in memory, so they skip the remote
// checks.
func (cfg *Config) Validate(dryRun bool) error {
	var problems []string
	if cfg.Pipeline.Concurrency < 0 {
		problems = append(problems, "pipeline.concurrency must not be negative")
	}
	dialect, err := warehouse.ParseDialect(cfg.Warehouse.Dialect)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if cfg.Lock.Enabled && cfg.Pipeline.LockRefresh >= cfg.Lock.TTL() {
		problems = append(problems, fmt.Sprintf("pipeline.lock_refresh %s must be shorter than lock.ttl_minutes", cfg.Pipeline.LockRefresh))
	}
	switch cfg.Publish.Mode {
	case "s3", "dir":
	default:
		problems = append(problems, fmt.Sprintf("publish.mode %q must be s3 or dir", cfg.Publish.Mode))
	}

	if !dryRun {
		if cfg.Publish.Mode == "s3" && cfg.Publish.S3.Bucket == "" {
			problems = append(problems, "publish.s3.bucket (RENDER_S3_BUCKET) is required")
		}
		switch dialect {
		case warehouse.DialectSnowflake:
			if cfg.Warehouse.Snowflake.Account == "" {
				problems = append(problems, "warehouse.snowflake.account (SNOWFLAKE_CONNECTION_STRING) is required")
			}
		case warehouse.DialectPostgres:
			if cfg.Warehouse.PostgresURL == "" {
				problems = append(problems, "warehouse.postgres_url (DATABASE_URL) is required")
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
