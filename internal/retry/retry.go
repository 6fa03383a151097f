// Package retry drives the agent through a staged model-acquisition
// ladder until a run is served by an acceptable model tier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pengelbrecht/looper/internal/agent"
)

// ErrExhausted is returned when every stage ran out of attempts without
// an acceptable model answering.
var ErrExhausted = errors.New("model acquisition exhausted")

// Outcome classifies a single attempt.
type Outcome int

const (
	// Acquired means the run was served by an acceptable model.
	Acquired Outcome = iota
	// WrongTier means a different tier answered; retry.
	WrongTier
	// TimedOut means the attempt hit its per-attempt timeout; retry.
	TimedOut
	// Fatal means the subprocess failed or its output was malformed.
	Fatal
	// Canceled means the context was canceled.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case WrongTier:
		return "wrong tier"
	case TimedOut:
		return "timed out"
	case Fatal:
		return "fatal"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Retryable reports whether another attempt may follow this outcome.
func (o Outcome) Retryable() bool {
	return o == WrongTier || o == TimedOut
}

// Classify maps one agent run to an Outcome.
func Classify(ctx context.Context, want Tier, policy Policy, res *agent.Result, err error) Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, agent.ErrTimeout) {
		return TimedOut
	}
	if err != nil || res == nil || res.Response == nil {
		return Fatal
	}
	if policy == Permissive || want.Matches(res.Response.Model) {
		return Acquired
	}
	return WrongTier
}

// Config configures an Engine.
type Config struct {
	Policy Policy
	// Top is the preferred tier.
	Top     Tier
	Budgets Budgets

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Timeout caps each attempt. Zero means no cap.
	Timeout time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParseTier(string(c.Top)); err != nil {
		return err
	}
	if c.Policy == Strict {
		if err := c.Budgets.validate(); err != nil {
			return err
		}
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("negative retry delay")
	}
	return nil
}

// Stages returns the ladder this configuration walks.
func (c Config) Stages() []Stage {
	if c.Policy == Permissive {
		return permissiveStages(c.Top)
	}
	return StagesFor(c.Top, c.Budgets)
}

// Attempt describes one agent invocation within a session.
type Attempt struct {
	Stage      string
	StageIndex int
	// Number is 1-based within the stage.
	Number      int
	MaxAttempts int
	// Total is the 1-based attempt count across the session.
	Total int
	Tier  Tier
}

// RetryEvent is reported after a failed attempt that will be retried.
type RetryEvent struct {
	Attempt Attempt
	Outcome Outcome
	// Model is the model that answered, if any.
	Model string
	Delay time.Duration
}

// Session is the in-memory state of one acquisition.
type Session struct {
	StageIndex int
	Attempt    int
	Total      int
	Delay      time.Duration
}

// Acquisition is the result of Engine.Acquire.
type Acquisition struct {
	// Result is the last agent result, if any.
	Result *agent.Result
	// Tier is the tier requested by the final attempt.
	Tier     Tier
	Attempts int
}

// Engine runs the acquisition ladder against an agent.
type Engine struct {
	agent  agent.Agent
	cfg    Config
	stages []Stage
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error

	// OnAttempt is called before each attempt.
	OnAttempt func(Attempt)
	// OnRetry is called after a retryable failure, before the backoff sleep.
	OnRetry func(RetryEvent)
}

// New creates an Engine. A nil logger discards log output.
func New(a agent.Agent, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		agent:  a,
		cfg:    cfg,
		stages: cfg.Stages(),
		logger: logger,
		sleep:  sleep,
	}
}

// Acquire runs prompt until an acceptable model answers.
//
// On a fatal outcome the agent error is returned unchanged together with
// the Acquisition, so callers can still inspect the failed Result. When
// the ladder is exhausted the error wraps ErrExhausted. Cancellation
// returns the context error.
func (e *Engine) Acquire(ctx context.Context, prompt string) (*Acquisition, error) {
	bo := NewBackoff(e.cfg.InitialDelay, e.cfg.MaxDelay)
	sess := Session{}
	acq := &Acquisition{}
	var lastErr error

	for si, stage := range e.stages {
		sess.StageIndex = si
		for i := 0; i < stage.MaxAttempts; i++ {
			sess.Attempt = i + 1
			sess.Total++

			att := Attempt{
				Stage:       stage.Name,
				StageIndex:  si,
				Number:      i + 1,
				MaxAttempts: stage.MaxAttempts,
				Total:       sess.Total,
				Tier:        stage.TierFor(i),
			}
			if e.OnAttempt != nil {
				e.OnAttempt(att)
			}

			res, err := e.agent.Run(ctx, prompt, agent.RunOpts{Model: string(att.Tier), Timeout: e.cfg.Timeout})
			acq.Result = res
			acq.Tier = att.Tier
			acq.Attempts = sess.Total

			outcome := Classify(ctx, att.Tier, e.cfg.Policy, res, err)
			model := servedModel(res)
			e.logger.Debug("acquisition attempt",
				"stage", att.Stage,
				"attempt", att.Number,
				"tier", att.Tier,
				"outcome", outcome,
				"model", model,
			)

			switch outcome {
			case Acquired:
				return acq, nil
			case Canceled:
				if ctx.Err() != nil {
					return acq, ctx.Err()
				}
				return acq, err
			case Fatal:
				return acq, err
			}

			if outcome == TimedOut {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("requested %s, served by %s", att.Tier, model)
			}

			if sess.Total >= TotalAttempts(e.stages) {
				break
			}

			sess.Delay = bo.Next()
			if e.OnRetry != nil {
				e.OnRetry(RetryEvent{Attempt: att, Outcome: outcome, Model: model, Delay: sess.Delay})
			}
			if err := e.sleep(ctx, sess.Delay); err != nil {
				return acq, err
			}
		}
	}

	if lastErr == nil {
		return acq, ErrExhausted
	}
	return acq, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, acq.Attempts, lastErr)
}

func servedModel(res *agent.Result) string {
	if res == nil || res.Response == nil {
		return ""
	}
	return res.Response.Model
}
