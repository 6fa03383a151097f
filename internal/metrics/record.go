// Package metrics persists one record per loop iteration and computes run
// aggregates from the persisted log.
package metrics

import "time"

// Usage holds the token counts reported for a single iteration.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	TotalTokens         int `json:"total_tokens"`
}

// NewUsage builds a Usage with TotalTokens set to input + output.
func NewUsage(input, output, cacheCreation, cacheRead int) Usage {
	return Usage{
		InputTokens:         input,
		OutputTokens:        output,
		CacheCreationTokens: cacheCreation,
		CacheReadTokens:     cacheRead,
		TotalTokens:         input + output,
	}
}

// add accumulates other into u.
func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.TotalTokens += other.TotalTokens
}

// Record is one line of the metrics log.
type Record struct {
	// Iteration is the 1-based iteration number within the invocation.
	Iteration int `json:"iteration"`

	// Timestamp is the capture time in UTC.
	Timestamp time.Time `json:"timestamp"`

	// DurationSeconds covers the external call including all retries.
	DurationSeconds int `json:"duration_seconds"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// StopReason describes how the external call terminated.
	StopReason string `json:"stop_reason"`

	Usage Usage `json:"usage"`

	// FilesChanged counts working tree entries with pending changes.
	FilesChanged int `json:"files_changed"`

	// Success is true iff the external process exited with status zero.
	Success bool `json:"success"`

	ExitCode int `json:"exit_code"`
}

// NewRecord creates a record stamped with the current UTC time.
// The duration is truncated to whole seconds.
func NewRecord(iteration int, duration time.Duration, model, stopReason string, usage Usage, filesChanged, exitCode int) Record {
	return Record{
		Iteration:       iteration,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
		DurationSeconds: int(duration / time.Second),
		Model:           model,
		StopReason:      stopReason,
		Usage:           usage,
		FilesChanged:    filesChanged,
		Success:         exitCode == 0,
		ExitCode:        exitCode,
	}
}

// Duration returns DurationSeconds as a time.Duration.
func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}
