package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete imagebatch configuration
type Config struct {
	Remote   RemoteConfig   `mapstructure:"remote"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Apply    ApplyConfig    `mapstructure:"apply"`
	DLQ      DLQConfig      `mapstructure:"dlq"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// RemoteConfig controls the connection to the remote batch service
type RemoteConfig struct {
	// BaseURL is the REST endpoint root, without the API version
	BaseURL string `mapstructure:"base_url"`
	// APIKey is sent as x-goog-api-key. Usually supplied via IMAGEBATCH_REMOTE_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// AccessToken is an OAuth2 bearer token used instead of APIKey when set
	AccessToken string `mapstructure:"access_token"`
	// Model is the image model every job is created against
	Model string `mapstructure:"model"`
	// RequestTimeout bounds a single HTTP request that is not a streaming download
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BatchConfig controls staging, submission and polling
type BatchConfig struct {
	// ArtifactDir is the root under which one directory per run is created
	ArtifactDir string `mapstructure:"artifact_dir"`
	// MaxTasksPerFile caps the number of requests in a single request file (one job each)
	MaxTasksPerFile int `mapstructure:"max_tasks_per_file"`
	// SubmitConcurrency is how many chunks may be submitted at once (1 = sequential)
	SubmitConcurrency int `mapstructure:"submit_concurrency"`
	// UploadConcurrency bounds parallel reference image uploads
	UploadConcurrency int `mapstructure:"upload_concurrency"`
	// MaxRetries is the retry budget for transient upload failures
	MaxRetries int `mapstructure:"max_retries"`
	// PollInterval is the delay between status checks of one job
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PollRequestTimeout bounds one status check; exceeding it is transient
	PollRequestTimeout time.Duration `mapstructure:"poll_request_timeout"`
	// MaxWait is the overall ceiling after which a job is abandoned locally
	MaxWait time.Duration `mapstructure:"max_wait"`
	// ReadyTimeout bounds the wait for an uploaded file to become usable
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// CleanupAfterSuccess deletes uploaded request files once a run completes
	CleanupAfterSuccess bool `mapstructure:"cleanup_after_success"`
}

// CacheConfig controls reuse of uploaded reference files
type CacheConfig struct {
	// SafetyMargin is the minimum remaining lifetime for a cached upload to be reused
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
	// DefaultLifetime is assumed when the service does not report an expiry
	DefaultLifetime time.Duration `mapstructure:"default_lifetime"`
}

// ApplyConfig controls how results are written to disk
type ApplyConfig struct {
	// SkipExisting leaves an existing output file untouched
	SkipExisting bool `mapstructure:"skip_existing"`
	// CreateBackup copies an existing output to <name>.bak before overwriting it
	CreateBackup bool `mapstructure:"create_backup"`
}

// DLQConfig controls dead-letter retry eligibility
type DLQConfig struct {
	// MaxAttempts is the number of attempts after which a task is no longer retried
	MaxAttempts int `mapstructure:"max_attempts"`
}

// PlannerConfig controls task discovery and the default scope
type PlannerConfig struct {
	// ContentDir holds <type>s/<slug>/imagery.yaml manifests
	ContentDir string `mapstructure:"content_dir"`
	// SkipGenerated drops tasks whose output already exists
	SkipGenerated bool `mapstructure:"skip_generated"`
	// EntityTypes is the default entity type selection
	EntityTypes []string `mapstructure:"entity_types"`
	// Kinds is the default task kind selection
	Kinds []string `mapstructure:"kinds"`
}

// LedgerConfig controls the applied-output ledger
type LedgerConfig struct {
	// Path is the SQLite database file. Empty disables the ledger.
	Path string `mapstructure:"path"`
}

// LoggingConfig controls per-run log files
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates run.log once it reaches this size
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files kept
	MaxBackups int `mapstructure:"max_backups"`
}

// ScheduleConfig points at the daemon's cron schedule
type ScheduleConfig struct {
	// File is a TOML file of [[schedule]] entries
	File string `mapstructure:"file"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL:        "https://generativelanguage.googleapis.com",
			Model:          "gemini-2.5-flash-image",
			RequestTimeout: 2 * time.Minute,
		},
		Batch: BatchConfig{
			ArtifactDir:        filepath.Join(".imagebatch", "runs"),
			MaxTasksPerFile:    500,
			SubmitConcurrency:  1,
			UploadConcurrency:  5,
			MaxRetries:         5,
			PollInterval:       30 * time.Second,
			PollRequestTimeout: 30 * time.Second,
			MaxWait:            time.Hour,
			ReadyTimeout:       60 * time.Second,
		},
		Cache: CacheConfig{
			SafetyMargin:    time.Hour,
			DefaultLifetime: 48 * time.Hour,
		},
		Apply: ApplyConfig{
			SkipExisting: false,
			CreateBackup: true,
		},
		DLQ: DLQConfig{
			MaxAttempts: 3,
		},
		Planner: PlannerConfig{
			ContentDir:    "content",
			SkipGenerated: true,
			EntityTypes:   []string{"character", "location", "chapter"},
			Kinds:         []string{"generate"},
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(".imagebatch", "ledger.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Schedule: ScheduleConfig{
			File: filepath.Join(".imagebatch", "schedule.toml"),
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	d := Default()

	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.access_token", d.Remote.AccessToken)
	v.SetDefault("remote.model", d.Remote.Model)
	v.SetDefault("remote.request_timeout", d.Remote.RequestTimeout)

	v.SetDefault("batch.artifact_dir", d.Batch.ArtifactDir)
	v.SetDefault("batch.max_tasks_per_file", d.Batch.MaxTasksPerFile)
	v.SetDefault("batch.submit_concurrency", d.Batch.SubmitConcurrency)
	v.SetDefault("batch.upload_concurrency", d.Batch.UploadConcurrency)
	v.SetDefault("batch.max_retries", d.Batch.MaxRetries)
	v.SetDefault("batch.poll_interval", d.Batch.PollInterval)
	v.SetDefault("batch.poll_request_timeout", d.Batch.PollRequestTimeout)
	v.SetDefault("batch.max_wait", d.Batch.MaxWait)
	v.SetDefault("batch.ready_timeout", d.Batch.ReadyTimeout)
	v.SetDefault("batch.cleanup_after_success", d.Batch.CleanupAfterSuccess)

	v.SetDefault("cache.safety_margin", d.Cache.SafetyMargin)
	v.SetDefault("cache.default_lifetime", d.Cache.DefaultLifetime)

	v.SetDefault("apply.skip_existing", d.Apply.SkipExisting)
	v.SetDefault("apply.create_backup", d.Apply.CreateBackup)

	v.SetDefault("dlq.max_attempts", d.DLQ.MaxAttempts)

	v.SetDefault("planner.content_dir", d.Planner.ContentDir)
	v.SetDefault("planner.skip_generated", d.Planner.SkipGenerated)
	v.SetDefault("planner.entity_types", d.Planner.EntityTypes)
	v.SetDefault("planner.kinds", d.Planner.Kinds)

	v.SetDefault("ledger.path", d.Ledger.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)

	v.SetDefault("schedule.file", d.Schedule.File)
}

// decodeHook accepts "30s"-style durations and comma separated lists
// from YAML and environment variables alike.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Load reads the configuration from viper and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if
// the loaded configuration is invalid
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the imagebatch configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "imagebatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".imagebatch"
	}
	return filepath.Join(home, ".config", "imagebatch")
}

// ConfigFile returns the path to the default config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
