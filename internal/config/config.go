package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dateLayout = "2006-01-02"

// Config holds the full application configuration.
type Config struct {
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	GCP        GCPConfig        `yaml:"gcp" mapstructure:"gcp"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Handoff    HandoffConfig    `yaml:"handoff" mapstructure:"handoff"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DiscoveryConfig configures the search query sent to arXiv.
type DiscoveryConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Query       string `yaml:"query" mapstructure:"query"`
	DateFrom    string `yaml:"date_from" mapstructure:"date_from"`
	DateTo      string `yaml:"date_to" mapstructure:"date_to"`
	MaxResults  int    `yaml:"max_results" mapstructure:"max_results"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RetrievalConfig configures PDF download and filtering.
type RetrievalConfig struct {
	MaxPages    int    `yaml:"max_pages" mapstructure:"max_pages"`
	Quota       int    `yaml:"quota" mapstructure:"quota"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// ExtractionConfig configures the generative extraction calls.
type ExtractionConfig struct {
	Model         string        `yaml:"model" mapstructure:"model"`
	ThrottleDelay time.Duration `yaml:"throttle_delay" mapstructure:"throttle_delay"`
}

// GCPConfig identifies the Google Cloud project used by Vertex AI, GCS and Firestore.
type GCPConfig struct {
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`
	Region    string `yaml:"region" mapstructure:"region"`
}

// StorageConfig selects where staged artifacts are written.
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Root   string `yaml:"root" mapstructure:"root"`
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// LedgerConfig selects where per-document statuses are recorded.
type LedgerConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	DSN        string `yaml:"dsn" mapstructure:"dsn"`
	Collection string `yaml:"collection" mapstructure:"collection"`
}

// HandoffConfig names the workflow started once a corpus is written.
// An empty WorkflowID disables the hand-off.
type HandoffConfig struct {
	WorkflowID       string `yaml:"workflow_id" mapstructure:"workflow_id"`
	WorkflowLocation string `yaml:"workflow_location" mapstructure:"workflow_location"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DateRange is the inclusive submission window of the search.
type DateRange struct {
	From time.Time
	To   time.Time
}

// DateRange parses the configured window.
func (d DiscoveryConfig) DateRange() (DateRange, error) {
	from, err := time.Parse(dateLayout, d.DateFrom)
	if err != nil {
		return DateRange{}, eris.Wrapf(err, "config: parse discovery.date_from %q", d.DateFrom)
	}
	to, err := time.Parse(dateLayout, d.DateTo)
	if err != nil {
		return DateRange{}, eris.Wrapf(err, "config: parse discovery.date_to %q", d.DateTo)
	}
	if to.Before(from) {
		return DateRange{}, eris.Errorf("config: discovery.date_to %s is before date_from %s", d.DateTo, d.DateFrom)
	}
	return DateRange{From: from, To: to}, nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discovery.base_url", "http://export.arxiv.org/api/query")
	v.SetDefault("discovery.query", "cat:cs.DC")
	v.SetDefault("discovery.date_from", "2023-01-01")
	v.SetDefault("discovery.date_to", "2024-01-01")
	v.SetDefault("discovery.max_results", 200)
	v.SetDefault("discovery.timeout_secs", 60)
	v.SetDefault("retrieval.max_pages", 15)
	v.SetDefault("retrieval.quota", 100)
	v.SetDefault("retrieval.timeout_secs", 60)
	v.SetDefault("retrieval.user_agent", "papercorpus/1.0")
	v.SetDefault("extraction.model", "gemini-1.5-flash")
	v.SetDefault("extraction.throttle_delay", "15s")
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.region", "us-central1")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.root", "data")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "data/ledger.db")
	v.SetDefault("ledger.collection", "documents")
	v.SetDefault("handoff.workflow_id", "")
	v.SetDefault("handoff.workflow_location", "us-central1")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings every run depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discovery.Query) == "" {
		return eris.New("config: discovery.query must be set")
	}
	if c.Discovery.MaxResults < 1 {
		return eris.New("config: discovery.max_results must be at least 1")
	}
	if _, err := c.Discovery.DateRange(); err != nil {
		return err
	}
	if c.Retrieval.MaxPages < 1 {
		return eris.New("config: retrieval.max_pages must be at least 1")
	}
	if c.Retrieval.Quota < 1 {
		return eris.New("config: retrieval.quota must be at least 1")
	}
	if c.Extraction.ThrottleDelay < 0 {
		return eris.New("config: extraction.throttle_delay must not be negative")
	}
	if c.GCP.ProjectID == "" {
		return eris.New("config: gcp.project_id must be set for Vertex AI extraction")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.DSN == "" {
			return eris.New("config: ledger.dsn must be set for the sqlite driver")
		}
	case "firestore":
		if c.Ledger.Collection == "" {
			return eris.New("config: ledger.collection must be set for the firestore driver")
		}
	default:
		return eris.Errorf("config: unknown ledger.driver %q", c.Ledger.Driver)
	}
	return nil
}

// Validate checks the artifact store settings alone.
func (c StorageConfig) Validate() error {
	switch c.Driver {
	case "local":
		if c.Root == "" {
			return eris.New("config: storage.root must be set for the local driver")
		}
	case "gcs":
		if c.Bucket == "" {
			return eris.New("config: storage.bucket must be set for the gcs driver")
		}
	default:
		return eris.Errorf("config: unknown storage.driver %q", c.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
