// Package preflight validates the environment once before the loop starts.
package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Severity says whether a failed check stops the run.
type Severity int

const (
	Fatal Severity = iota
	Warning
)

// Check is one precondition.
type Check struct {
	// Name is a short label, e.g. "git identity".
	Name     string
	Severity Severity
	// Remedy tells the operator how to fix a failure.
	Remedy string
	Run    func(ctx context.Context) error
}

// Result contains the outcome of one check.
type Result struct {
	Check    string
	Severity Severity
	Passed   bool
	Remedy   string
	Duration time.Duration
	// Error is why the check failed.
	Error error
}

// String returns a human-readable representation of the result.
func (r *Result) String() string {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
		if r.Severity == Warning {
			status = "WARN"
		}
	}
	s := fmt.Sprintf("[%s] %s", status, r.Check)
	if r.Error != nil {
		s += ": " + r.Error.Error()
	}
	return s
}

// Results aggregates check results.
type Results struct {
	Results []*Result
	// OK is false if any fatal check failed.
	OK bool
}

// Run executes checks in order. Every check runs even after a failure so
// the operator sees all problems at once.
func Run(ctx context.Context, checks []Check) *Results {
	results := &Results{OK: true}
	for _, c := range checks {
		start := time.Now()
		err := c.Run(ctx)
		r := &Result{
			Check:    c.Name,
			Severity: c.Severity,
			Passed:   err == nil,
			Remedy:   c.Remedy,
			Duration: time.Since(start),
			Error:    err,
		}
		if !r.Passed && r.Severity == Fatal {
			results.OK = false
		}
		results.Results = append(results.Results, r)
	}
	return results
}

// Failed returns fatal failures.
func (r *Results) Failed() []*Result {
	return r.filter(Fatal)
}

// Warnings returns failed warning checks.
func (r *Results) Warnings() []*Result {
	return r.filter(Warning)
}

func (r *Results) filter(sev Severity) []*Result {
	var out []*Result
	for _, res := range r.Results {
		if !res.Passed && res.Severity == sev {
			out = append(out, res)
		}
	}
	return out
}

// Err returns an *Error if any fatal check failed.
func (r *Results) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Failed: r.Failed()}
}

// Summary returns a human-readable summary of failures and warnings.
func (r *Results) Summary() string {
	if len(r.Results) == 0 {
		return "No checks run"
	}

	var passed int
	for _, res := range r.Results {
		if res.Passed {
			passed++
		}
	}

	var sb strings.Builder
	if r.OK {
		fmt.Fprintf(&sb, "Preflight passed (%d/%d)\n", passed, len(r.Results))
	} else {
		fmt.Fprintf(&sb, "Preflight failed (%d/%d passed)\n", passed, len(r.Results))
	}
	for _, res := range r.Results {
		if res.Passed {
			continue
		}
		fmt.Fprintf(&sb, "  %s\n", res.String())
		if res.Remedy != "" {
			fmt.Fprintf(&sb, "    fix: %s\n", res.Remedy)
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Error reports failed fatal checks.
type Error struct {
	Failed []*Result
}

func (e *Error) Error() string {
	names := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		names[i] = r.Check
	}
	return "preflight failed: " + strings.Join(names, ", ")
}
