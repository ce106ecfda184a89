// Package config loads the crashmover YAML file and turns it into the
// configuration structs of the individual components.
//
// Zero values mean "use the component default" throughout; only settings
// the components cannot default themselves are required.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Storage   StorageConfig   `yaml:"storage"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Intake    IntakeConfig    `yaml:"intake"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Stackwalk StackwalkConfig `yaml:"stackwalk"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type DatabaseConfig struct {
	Driver          string   `yaml:"driver" validate:"oneof=sqlite mysql"`
	DSN             string   `yaml:"dsn" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int      `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	LogSQL          bool     `yaml:"log_sql"`
}

// StoreConfig describes the on-disk crash store used by the filesystem
// backend.
type StoreConfig struct {
	Root      string `yaml:"root" validate:"required"`
	IndexName string `yaml:"index_name"`
	DateName  string `yaml:"date_name"`

	DirMode  FileMode `yaml:"dir_mode"`
	DumpMode FileMode `yaml:"dump_mode"`
	DumpGID  *int     `yaml:"dump_gid"`

	MinutesPerSlot      int `yaml:"minutes_per_slot" validate:"gte=0,lte=60"`
	MaxDirectoryEntries int `yaml:"max_directory_entries" validate:"gte=0"`
	Depth               int `yaml:"depth" validate:"gte=0,lte=8"`
	SegmentWidth        int `yaml:"segment_width" validate:"gte=0,lte=8"`

	// ProcessedRoot holds processed records. Defaults to <root>/processed.
	ProcessedRoot string `yaml:"processed_root"`
	// Retention is the default age for the sweep command. 0 disables it.
	Retention Duration `yaml:"retention"`
}

type StorageConfig struct {
	Primary string        `yaml:"primary" validate:"oneof=filesystem badger gcs"`
	Badger  *BadgerConfig `yaml:"badger" validate:"required_if=Primary badger"`
	GCS     *GCSConfig    `yaml:"gcs" validate:"required_if=Primary gcs"`
	// Fallback is a second crash store taking writes the primary refuses.
	Fallback  *FallbackConfig `yaml:"fallback"`
	MaxIdle   int             `yaml:"max_idle" validate:"gte=0"`
	TempDir   string          `yaml:"temp_dir"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type BadgerConfig struct {
	Path           string   `yaml:"path" validate:"required_without=InMemory"`
	InMemory       bool     `yaml:"in_memory"`
	SyncWrites     *bool    `yaml:"sync_writes"`
	GCInterval     Duration `yaml:"gc_interval"`
	GCDiscardRatio float64  `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket" validate:"required"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

type FallbackConfig struct {
	Root string `yaml:"root" validate:"required"`
}

type ReconcileConfig struct {
	Rate     float64  `yaml:"rate" validate:"gte=0"`
	Burst    int      `yaml:"burst" validate:"gte=0"`
	Interval Duration `yaml:"interval"`
}

type ThrottleConfig struct {
	Rules []ThrottleRule `yaml:"rules" validate:"dive"`
	// DefaultPercentage applies when no rule matches. Unset accepts all.
	DefaultPercentage *float64 `yaml:"default_percentage" validate:"omitempty,gte=0,lte=100"`
	MinimumRate       float64  `yaml:"minimum_rate" validate:"gte=0,lte=100"`
}

type ThrottleRule struct {
	Key        string  `yaml:"key" validate:"required"`
	Pattern    string  `yaml:"pattern"`
	Percentage float64 `yaml:"percentage" validate:"gte=0,lte=100"`
	Reject     bool    `yaml:"reject"`
}

type IntakeConfig struct {
	Files FilesConfig `yaml:"files"`
	// CollectorRoot is a collector-side crash store drained in arrival
	// order.
	CollectorRoot     string   `yaml:"collector_root"`
	CollectorErrorDir string   `yaml:"collector_error_dir"`
	OrphanAge         Duration `yaml:"orphan_age"`
	Interval          Duration `yaml:"interval"`
	Timeout           Duration `yaml:"timeout"`
	Debug             bool     `yaml:"debug"`
}

type SchedulerConfig struct {
	Name              string     `yaml:"name"`
	StaleAfter        Duration   `yaml:"stale_after"`
	HeartbeatInterval Duration   `yaml:"heartbeat_interval"`
	CleanupInterval   Duration   `yaml:"cleanup_interval"`
	PollInterval      Duration   `yaml:"poll_interval"`
	BatchSize         int        `yaml:"batch_size" validate:"gte=0"`
	Backoff           []Duration `yaml:"backoff"`
}

type WorkerConfig struct {
	Command         string     `yaml:"command"`
	Args            []string   `yaml:"args"`
	SymbolPaths     []string   `yaml:"symbol_paths"`
	AnalyzerTimeout Duration   `yaml:"analyzer_timeout"`
	Concurrency     int        `yaml:"concurrency" validate:"gte=0,lte=256"`
	RetryWaits      []Duration `yaml:"retry_waits"`
	MaxRetries      int        `yaml:"max_retries" validate:"gte=0"`
	PIIKeys         []string   `yaml:"pii_keys"`
	NotesKey        string     `yaml:"notes_key"`
	// ShutdownGrace bounds how long in-flight jobs may run after a
	// graceful stop before the stop becomes immediate. 0 waits forever.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

type StackwalkConfig struct {
	HeadFrames            int               `yaml:"head_frames" validate:"gte=0"`
	TailFrames            int               `yaml:"tail_frames" validate:"gte=0"`
	Threshold             int               `yaml:"threshold" validate:"gte=0"`
	ManagedMarker         string            `yaml:"managed_marker"`
	ManagedReasonPrefixes []string          `yaml:"managed_reason_prefixes"`
	Irrelevant            []string          `yaml:"irrelevant"`
	Prefix                []string          `yaml:"prefix"`
	MaxLength             int               `yaml:"max_length" validate:"gte=0"`
	ShortMaxLength        int               `yaml:"short_max_length" validate:"gte=0"`
	FlashDebugIDs         map[string]string `yaml:"flash_debug_ids"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "crashmover.db"},
		Storage:  StorageConfig{Primary: "filesystem"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml keys rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks c after command line overrides have been applied.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
