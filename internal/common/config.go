// Package common provides shared configuration, logging, metrics and
// progress reporting for the solar data pipeline tools.
package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/slacgismo/solar-data-pipeline/internal/solar"
)

// Config holds common configuration for all applications.
type Config struct {
	ClickHouseHost     string `yaml:"clickhouse_host" envconfig:"CLICKHOUSE_HOST" validate:"required"`
	ClickHousePort     int    `yaml:"clickhouse_port" envconfig:"CLICKHOUSE_PORT" validate:"gt=0,lt=65536"`
	ClickHouseDatabase string `yaml:"clickhouse_database" envconfig:"CLICKHOUSE_DATABASE" validate:"required"`
	ClickHouseTable    string `yaml:"clickhouse_table" envconfig:"CLICKHOUSE_TABLE" validate:"required"`
	ClickHouseUser     string `yaml:"clickhouse_user" envconfig:"CLICKHOUSE_USER"`
	ClickHousePassword string `yaml:"clickhouse_password" envconfig:"CLICKHOUSE_PASSWORD"`
	MeasName           string `yaml:"meas_name" envconfig:"MEAS_NAME" validate:"required"`

	StoreEnabled bool     `yaml:"store_enabled" envconfig:"STORE_ENABLED"`
	StoreSites   []string `yaml:"store_sites" envconfig:"STORE_SITES"`

	FileURL         string `yaml:"file_url" envconfig:"FILE_URL"`
	FileFormat      string `yaml:"file_format" envconfig:"FILE_FORMAT" validate:"oneof=auto series matrix"`
	TimestampColumn string `yaml:"timestamp_column" envconfig:"TIMESTAMP_COLUMN" validate:"required"`
	PowerColumn     string `yaml:"power_column" envconfig:"POWER_COLUMN" validate:"required"`
	MatrixStart     string `yaml:"matrix_start" envconfig:"MATRIX_START" validate:"omitempty,datetime=2006-01-02"`

	SamplesPerDay   int     `yaml:"samples_per_day" envconfig:"SAMPLES_PER_DAY" validate:"gt=0"`
	Sentinel        float64 `yaml:"sentinel" envconfig:"SENTINEL"`
	Timezone        string  `yaml:"timezone" envconfig:"TIMEZONE" validate:"required"`
	NightThreshold  float64 `yaml:"night_threshold" envconfig:"NIGHT_THRESHOLD" validate:"gte=0,lt=1"`
	Transform       string  `yaml:"transform" envconfig:"TRANSFORM" validate:"oneof=full simple"`
	OnDegenerateDay string  `yaml:"on_degenerate_day" envconfig:"ON_DEGENERATE_DAY" validate:"oneof=zero error"`
	RatioPolicy     string  `yaml:"ratio_policy" envconfig:"RATIO_POLICY" validate:"oneof=floor strict"`
	Seed            uint64  `yaml:"seed" envconfig:"SEED"`

	CacheDir string        `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL" validate:"gte=0"`

	DataDir  string `yaml:"data_dir" envconfig:"SOLAR_DATA_DIR"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ClickHouseHost:     "localhost",
		ClickHousePort:     9000,
		ClickHouseDatabase: "measurements",
		ClickHouseTable:    "measurement_raw",
		ClickHouseUser:     "default",
		MeasName:           solar.PowerMeasName,
		StoreEnabled:       true,
		FileFormat:         "auto",
		TimestampColumn:    "Date-Time",
		PowerColumn:        solar.PowerMeasName,
		SamplesPerDay:      solar.SamplesPerDay,
		Sentinel:           solar.SentinelMissing,
		Timezone:           "UTC",
		NightThreshold:     solar.DefaultNightThreshold,
		Transform:          string(solar.TransformFull),
		OnDegenerateDay:    string(solar.DegenerateZero),
		RatioPolicy:        "floor",
		CacheTTL:           24 * time.Hour,
		DataDir:            "/var/lib/solar-data-pipeline",
		LogLevel:           "info",
	}
}

// Load builds a Config from defaults, an optional YAML file, a .env file in
// the working directory, and the environment, in that order of precedence
// (later wins), then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that at least one source is set up.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if 86400%c.SamplesPerDay != 0 {
		return fmt.Errorf("invalid config: samples_per_day %d does not divide a day", c.SamplesPerDay)
	}
	if !c.StoreEnabled && c.FileURL == "" {
		return errors.New("invalid config: no source configured (enable the store or set file_url)")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	return nil
}

// ClickHouseAddr returns host:port.
func (c *Config) ClickHouseAddr() string {
	return c.ClickHouseHost + ":" + strconv.Itoa(c.ClickHousePort)
}

// TableFQN returns database.table.
func (c *Config) TableFQN() string {
	return c.ClickHouseDatabase + "." + c.ClickHouseTable
}

// Location returns the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MatrixStartTime parses MatrixStart in the configured timezone. It returns
// the zero time when unset.
func (c *Config) MatrixStartTime() time.Time {
	if c.MatrixStart == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", c.MatrixStart, c.Location())
	if err != nil {
		return time.Time{}
	}
	return t
}

// NormalizerConfig returns the grid settings for solar.NewNormalizer.
func (c *Config) NormalizerConfig() solar.NormalizerConfig {
	return solar.NormalizerConfig{
		SamplesPerDay:   c.SamplesPerDay,
		Sentinel:        c.Sentinel,
		Location:        c.Location(),
		NightThreshold:  c.NightThreshold,
		OnDegenerateDay: solar.DegeneratePolicy(c.OnDegenerateDay),
	}
}

// OutputDir returns the directory retrieved matrices are written to.
func (c *Config) OutputDir() string {
	return filepath.Join(c.DataDir, "matrices")
}
