// Package config loads and validates the lineage-miner YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a lineage mining run.
type Config struct {
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Run        RunConfig        `yaml:"run"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Levels     LevelsConfig     `yaml:"levels"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// WarehouseConfig holds warehouse connection settings for the audit-log backend.
type WarehouseConfig struct {
	Type            string `yaml:"type"` // "mssql" or "postgres"
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL: disable, require, verify-ca, verify-full
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate
	AuditSchema     string `yaml:"audit_schema"`      // schema holding the query-log audit tables
	MaxConnections  int    `yaml:"max_connections"`
}

// RunConfig holds paths and external collaborator commands for a run.
type RunConfig struct {
	Dir       string   `yaml:"dir"`        // root directory for per-level state and outputs
	SeedList  string   `yaml:"seed_list"`  // level-1 input table list (db,table CSV)
	ParserCmd []string `yaml:"parser_cmd"` // external SQL-text parser: argv prefix, invoked with <in-dir> <out-dir>
	MergerCmd []string `yaml:"merger_cmd"` // external merger: argv prefix, invoked with <parsed-dir> <merged-csv>
}

// ExtractionConfig holds batching and date-range parameters for the extract step.
type ExtractionConfig struct {
	BatchSize      int      `yaml:"batch_size"`  // tables per backend query
	WindowDays     int      `yaml:"window_days"` // width of each date window
	StartDate      string   `yaml:"start_date"`  // YYYY-MM-DD; empty derives from lookback_days
	EndDate        string   `yaml:"end_date"`    // YYYY-MM-DD; empty means today
	LookbackDays   int      `yaml:"lookback_days"`
	StatementTypes []string `yaml:"statement_types"`
	Workers        int      `yaml:"workers"`
	QueryTimeout   string   `yaml:"query_timeout"` // per-query timeout, e.g. "10m"
}

// LevelsConfig bounds the multi-level crawl.
type LevelsConfig struct {
	Start int `yaml:"start"`
	Max   int `yaml:"max"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`   // empty logs to stderr only
}

const dateLayout = "2006-01-02"

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Warehouse.Type == "" {
		c.Warehouse.Type = "mssql"
	}
	if c.Warehouse.Port == 0 {
		switch c.Warehouse.Type {
		case "postgres":
			c.Warehouse.Port = 5432
		default:
			c.Warehouse.Port = 1433
		}
	}
	if c.Warehouse.AuditSchema == "" {
		c.Warehouse.AuditSchema = "pdcrinfo"
	}
	if c.Warehouse.MaxConnections == 0 {
		c.Warehouse.MaxConnections = 8
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "require"
	}

	if c.Extraction.BatchSize == 0 {
		c.Extraction.BatchSize = 100
	}
	if c.Extraction.WindowDays == 0 {
		c.Extraction.WindowDays = 30
	}
	if c.Extraction.LookbackDays == 0 {
		c.Extraction.LookbackDays = 180
	}
	if len(c.Extraction.StatementTypes) == 0 {
		c.Extraction.StatementTypes = []string{"Insert"}
	}
	if c.Extraction.Workers == 0 {
		c.Extraction.Workers = 4
	}
	if c.Extraction.QueryTimeout == "" {
		c.Extraction.QueryTimeout = "10m"
	}

	if c.Levels.Start == 0 {
		c.Levels.Start = 1
	}
	if c.Levels.Max == 0 {
		c.Levels.Max = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors that would abort a run.
func (c *Config) Validate() error {
	switch c.Warehouse.Type {
	case "mssql", "postgres":
	default:
		return fmt.Errorf("warehouse.type must be mssql or postgres, got %q", c.Warehouse.Type)
	}
	if c.Warehouse.Host == "" {
		return fmt.Errorf("warehouse.host is required")
	}
	if c.Warehouse.Database == "" {
		return fmt.Errorf("warehouse.database is required")
	}

	if c.Run.Dir == "" {
		return fmt.Errorf("run.dir is required")
	}
	if c.Run.SeedList == "" {
		return fmt.Errorf("run.seed_list is required")
	}
	if len(c.Run.ParserCmd) == 0 {
		return fmt.Errorf("run.parser_cmd is required")
	}
	if len(c.Run.MergerCmd) == 0 {
		return fmt.Errorf("run.merger_cmd is required")
	}

	if c.Extraction.BatchSize < 1 {
		return fmt.Errorf("extraction.batch_size must be positive, got %d", c.Extraction.BatchSize)
	}
	if c.Extraction.WindowDays < 1 {
		return fmt.Errorf("extraction.window_days must be positive, got %d", c.Extraction.WindowDays)
	}
	if c.Extraction.Workers < 1 {
		return fmt.Errorf("extraction.workers must be positive, got %d", c.Extraction.Workers)
	}
	if _, err := time.ParseDuration(c.Extraction.QueryTimeout); err != nil {
		return fmt.Errorf("extraction.query_timeout: %w", err)
	}

	start, end, err := c.Extraction.DateRange()
	if err != nil {
		return err
	}
	if start.After(end) {
		return fmt.Errorf("extraction date range is inverted: %s after %s",
			start.Format(dateLayout), end.Format(dateLayout))
	}

	if c.Levels.Start < 1 {
		return fmt.Errorf("levels.start must be >= 1, got %d", c.Levels.Start)
	}
	if c.Levels.Max < c.Levels.Start {
		return fmt.Errorf("levels.max (%d) must be >= levels.start (%d)", c.Levels.Max, c.Levels.Start)
	}

	return nil
}

// DateRange resolves the extraction date range. An empty end date means
// today; an empty start date falls back LookbackDays before the end.
func (e *ExtractionConfig) DateRange() (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if e.EndDate != "" {
		var err error
		end, err = time.Parse(dateLayout, e.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("extraction.end_date: %w", err)
		}
	}

	start := end.AddDate(0, 0, -e.LookbackDays)
	if e.StartDate != "" {
		var err error
		start, err = time.Parse(dateLayout, e.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("extraction.start_date: %w", err)
		}
	}

	return start, end, nil
}

// Timeout returns the parsed per-query timeout.
func (e *ExtractionConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(e.QueryTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
