// Package generation turns a selection into a validated paper document by driving an
// unreliable text generator: it prompts, parses, validates and retries with
// corrective context until the output fits the blueprint or a budget runs out.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pavelanni/cbsepaper/internal/llm"
	"github.com/pavelanni/cbsepaper/internal/llm/prompts"
	"github.com/pavelanni/cbsepaper/internal/model"
)

// TextGenerator is a single blocking request/response call to a text generator.
type TextGenerator interface {
	GenerateText(ctx context.Context, req llm.Request) (string, error)
}

// State is a step of one generation run.
type State string

const (
	StatePending       State = "pending"
	StateRequested     State = "requested"
	StateParsedValid   State = "parsed_valid"
	StateParsedInvalid State = "parsed_invalid"
	StateParseFailed   State = "parse_failed"
	StateUnreachable   State = "unreachable"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

// Config holds the driver's budgets.
type Config struct {
	// MaxAttempts is the total number of answers accepted for validation.
	MaxAttempts int
	// UnreachableRetries is how many failed calls are retried before giving up.
	UnreachableRetries int
	// CallTimeout bounds a single generator call.
	CallTimeout time.Duration
	// BackoffBase is the first retry delay; it doubles per retry up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter spreads each delay by up to this fraction either way.
	Jitter float64
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		UnreachableRetries: 2,
		CallTimeout:        120 * time.Second,
		BackoffBase:        time.Second,
		BackoffMax:         30 * time.Second,
		Jitter:             0.2,
	}
}

// Result is a successful generation.
type Result struct {
	Document model.PaperDocument
	// Attempts counts answers that were validated.
	Attempts int
	// Retries counts corrective follow-ups consumed.
	Retries int
	// Unreachable counts failed calls that were retried.
	Unreachable int
	Trace       []State
}

// Driver runs generations. It is safe for concurrent use.
type Driver struct {
	gen     TextGenerator
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
}

// Option configures a Driver.
type Option func(*Driver)

// WithLimiter shares a rate limiter across drivers and requests.
func WithLimiter(l *rate.Limiter) Option {
	return func(d *Driver) { d.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

// WithJitterSource replaces the random source for backoff jitter. fn returns values
// in [0, 1).
func WithJitterSource(fn func() float64) Option {
	return func(d *Driver) { d.jitter = fn }
}

// New creates a Driver and loads the prompt templates.
func New(gen TextGenerator, cfg Config, opts ...Option) (*Driver, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.UnreachableRetries < 0 {
		cfg.UnreachableRetries = def.UnreachableRetries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	d := &Driver{
		gen:    gen,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepContext,
		jitter: rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type run struct {
	trace []State
}

func (r *run) enter(s State) {
	r.trace = append(r.trace, s)
}

// Generate produces a validated document for the assignment. It returns
// *model.GenerationSchemaError when every attempt was rejected,
// *model.GenerationUnreachableError when the generator could not be reached, and the
// context's error when ctx ends first.
func (d *Driver) Generate(ctx context.Context, req model.PaperRequest, a model.SelectionAssignment) (*Result, error) {
	bp := a.Blueprint
	lang := req.Language
	if lang == "" {
		lang = model.LanguageEnglish
	}
	schema := Schema(bp, lang)

	system, err := prompts.BuildSystemPrompt(req.Subject, lang)
	if err != nil {
		return nil, fmt.Errorf("build system prompt: %w", err)
	}
	initial, err := prompts.BuildPaperPrompt(req, a, schema)
	if err != nil {
		return nil, fmt.Errorf("build paper prompt: %w", err)
	}

	r := &run{}
	r.enter(StatePending)
	turns := []llm.Turn{{Role: llm.RoleUser, Content: initial}}
	calls, unreachable := 0, 0
	var diagnostics []string
	var lastRaw string

	for attempt := 1; attempt <= d.cfg.MaxAttempts; {
		r.enter(StateRequested)
		calls++
		raw, err := d.call(ctx, llm.Request{System: system, Turns: turns, SchemaName: SchemaName, Schema: schema})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.enter(StateUnreachable)
			if !retryable(err) || unreachable >= d.cfg.UnreachableRetries {
				r.enter(StateFailed)
				d.logger.Error("generation provider unreachable", "subject", req.Subject, "calls", calls, "error", err)
				return nil, &model.GenerationUnreachableError{Attempts: calls, Err: err}
			}
			unreachable++
			delay := d.backoff(unreachable)
			d.logger.Warn("generation call failed, retrying",
				"subject", req.Subject,
				"retry", unreachable,
				"delay", delay,
				"error", err,
			)
			if err := d.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		lastRaw = raw
		res := Evaluate(raw, bp, lang)
		switch res.Outcome {
		case ParsedValid:
			r.enter(StateParsedValid)
			r.enter(StateSucceeded)
			if res.Repaired {
				d.logger.Info("accepted repaired generator output", "subject", req.Subject, "attempt", attempt)
			}
			d.logger.Debug("paper generated", "subject", req.Subject, "attempts", attempt, "calls", calls)
			return &Result{
				Document:    *res.Document,
				Attempts:    attempt,
				Retries:     attempt - 1,
				Unreachable: unreachable,
				Trace:       r.trace,
			}, nil
		case ParsedInvalid:
			r.enter(StateParsedInvalid)
			diagnostics = res.Violations
		default:
			r.enter(StateParseFailed)
			diagnostics = []string{"invalid JSON: " + res.Err.Error()}
		}
		d.logger.Info("generated paper rejected",
			"subject", req.Subject,
			"attempt", attempt,
			"outcome", res.Outcome.String(),
			"problems", len(diagnostics),
		)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		parseErr := ""
		violations := res.Violations
		if res.Outcome == ParseFailed {
			parseErr = res.Err.Error()
		}
		correction, err := prompts.BuildCorrectionPrompt(attempt, violations, parseErr)
		if err != nil {
			return nil, fmt.Errorf("build correction prompt: %w", err)
		}
		// Only the latest answer is kept so the conversation stays bounded.
		turns = []llm.Turn{
			{Role: llm.RoleUser, Content: initial},
			{Role: llm.RoleAssistant, Content: raw},
			{Role: llm.RoleUser, Content: correction},
		}
		attempt++
	}

	r.enter(StateFailed)
	d.logger.Error("generation failed validation",
		"subject", req.Subject,
		"attempts", d.cfg.MaxAttempts,
		"diagnostics", strings.Join(diagnostics, "; "),
	)
	return nil, &model.GenerationSchemaError{
		Attempts:    d.cfg.MaxAttempts,
		Diagnostics: diagnostics,
		LastRaw:     lastRaw,
	}
}

// call waits for the rate limiter, then issues one generator call under the per-call
// timeout.
func (d *Driver) call(ctx context.Context, req llm.Request) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.gen.GenerateText(callCtx, req)
}

// backoff returns the delay before the nth retry.
func (d *Driver) backoff(n int) time.Duration {
	delay := float64(d.cfg.BackoffBase) * math.Pow(2, float64(n-1))
	delay = math.Min(delay, float64(d.cfg.BackoffMax))
	delay *= 1 + d.cfg.Jitter*(2*d.jitter()-1)
	return time.Duration(delay)
}

func retryable(err error) bool {
	var ce *llm.CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
