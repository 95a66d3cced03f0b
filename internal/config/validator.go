package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "batch.max_tasks_per_file")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidEntityTypes returns the entity types the planner understands
func ValidEntityTypes() []string {
	return []string{"character", "location", "chapter"}
}

// ValidKinds returns the task kinds the planner understands
func ValidKinds() []string {
	return []string{"generate", "analyze"}
}

// maxTasksPerJob is the remote service's ceiling on requests per job.
const maxTasksPerJob = 500

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateRemote()...)
	errors = append(errors, c.validateBatch()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateDLQ()...)
	errors = append(errors, c.validatePlanner()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validateRemote() []ValidationError {
	var errors []ValidationError

	u, err := url.Parse(c.Remote.BaseURL)
	if c.Remote.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "remote.base_url",
			Value:   c.Remote.BaseURL,
			Message: "must be an absolute URL",
		})
	}
	if strings.TrimSpace(c.Remote.Model) == "" {
		errors = append(errors, ValidationError{
			Field:   "remote.model",
			Value:   c.Remote.Model,
			Message: "must not be empty",
		})
	}
	if c.Remote.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "remote.request_timeout",
			Value:   c.Remote.RequestTimeout,
			Message: "must be positive",
		})
	}
	return errors
}

func (c *Config) validateBatch() []ValidationError {
	var errors []ValidationError
	b := c.Batch

	if b.ArtifactDir == "" {
		errors = append(errors, ValidationError{
			Field:   "batch.artifact_dir",
			Value:   b.ArtifactDir,
			Message: "must not be empty",
		})
	}
	if b.MaxTasksPerFile < 1 || b.MaxTasksPerFile > maxTasksPerJob {
		errors = append(errors, ValidationError{
			Field:   "batch.max_tasks_per_file",
			Value:   b.MaxTasksPerFile,
			Message: fmt.Sprintf("must be between 1 and %d", maxTasksPerJob),
		})
	}

	positive := []struct {
		field string
		value int
	}{
		{"batch.submit_concurrency", b.SubmitConcurrency},
		{"batch.upload_concurrency", b.UploadConcurrency},
	}
	for _, p := range positive {
		if p.value < 1 {
			errors = append(errors, ValidationError{Field: p.field, Value: p.value, Message: "must be at least 1"})
		}
	}
	if b.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "batch.max_retries",
			Value:   b.MaxRetries,
			Message: "must be non-negative",
		})
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"batch.poll_interval", b.PollInterval},
		{"batch.poll_request_timeout", b.PollRequestTimeout},
		{"batch.max_wait", b.MaxWait},
		{"batch.ready_timeout", b.ReadyTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errors = append(errors, ValidationError{Field: d.field, Value: d.value, Message: "must be positive"})
		}
	}
	if b.PollInterval > 0 && b.MaxWait > 0 && b.PollInterval > b.MaxWait {
		errors = append(errors, ValidationError{
			Field:   "batch.poll_interval",
			Value:   b.PollInterval,
			Message: "must not exceed batch.max_wait",
		})
	}
	return errors
}

func (c *Config) validateCache() []ValidationError {
	var errors []ValidationError
	if c.Cache.SafetyMargin < 0 {
		errors = append(errors, ValidationError{
			Field:   "cache.safety_margin",
			Value:   c.Cache.SafetyMargin,
			Message: "must be non-negative",
		})
	}
	if c.Cache.DefaultLifetime <= c.Cache.SafetyMargin {
		errors = append(errors, ValidationError{
			Field:   "cache.default_lifetime",
			Value:   c.Cache.DefaultLifetime,
			Message: "must exceed cache.safety_margin",
		})
	}
	return errors
}

func (c *Config) validateDLQ() []ValidationError {
	if c.DLQ.MaxAttempts < 1 {
		return []ValidationError{{
			Field:   "dlq.max_attempts",
			Value:   c.DLQ.MaxAttempts,
			Message: "must be at least 1",
		}}
	}
	return nil
}

func (c *Config) validatePlanner() []ValidationError {
	var errors []ValidationError
	for _, et := range c.Planner.EntityTypes {
		if !slices.Contains(ValidEntityTypes(), et) {
			errors = append(errors, ValidationError{
				Field:   "planner.entity_types",
				Value:   et,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidEntityTypes(), ", ")),
			})
		}
	}
	for _, k := range c.Planner.Kinds {
		if !slices.Contains(ValidKinds(), k) {
			errors = append(errors, ValidationError{
				Field:   "planner.kinds",
				Value:   k,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidKinds(), ", ")),
			})
		}
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 0 and %d", maxLogSizeMB),
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errors
}
