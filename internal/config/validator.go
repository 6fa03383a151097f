package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pengelbrecht/looper/internal/retry"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidOutputFormats returns the accepted console output formats.
func ValidOutputFormats() []string {
	return []string{"text", "jsonl"}
}

// Validate returns every invalid value found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if _, err := retry.ParseTier(c.Model); err != nil {
		add("model", c.Model, "must be one of opus, sonnet, haiku")
	}
	if strings.TrimSpace(c.Claude.Command) == "" {
		add("claude.command", c.Claude.Command, "must not be empty")
	}
	if c.Claude.Timeout < 0 {
		add("claude.timeout", c.Claude.Timeout, "must not be negative")
	}

	if c.Retry.Stage1Attempts < 1 {
		add("retry.stage1_attempts", c.Retry.Stage1Attempts, "must be at least 1")
	}
	if c.Retry.Stage2Attempts < 0 {
		add("retry.stage2_attempts", c.Retry.Stage2Attempts, "must not be negative")
	}
	if c.Retry.Stage3Attempts < 0 {
		add("retry.stage3_attempts", c.Retry.Stage3Attempts, "must not be negative")
	}
	if c.Retry.InitialDelay < 0 {
		add("retry.initial_delay", c.Retry.InitialDelay, "must not be negative")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		add("retry.max_delay", c.Retry.MaxDelay, "must be at least retry.initial_delay")
	}

	for field, name := range map[string]string{
		"plan.task_file":     c.Plan.TaskFile,
		"plan.progress_file": c.Plan.ProgressFile,
		"plan.metrics_file":  c.Plan.MetricsFile,
	} {
		if strings.TrimSpace(name) == "" {
			add(field, name, "must not be empty")
		}
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidOutputFormats(), c.Output.Format) {
		add("output.format", c.Output.Format, "must be one of "+strings.Join(ValidOutputFormats(), ", "))
	}

	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}
