// Package dispatch executes validated requests against capability backends
// with per-backend timeouts and cross-backend fallback. Distinct backends of
// one capability are assumed independent, so a transient failure moves on to
// the next backend instead of retrying the same one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// State is the terminal state of a request.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Attempt records one backend try within a dispatch.
type Attempt struct {
	Backend string
	Kind    ErrorKind
	Reason  string
	Detail  string
	Elapsed time.Duration
}

// Outcome is the single terminal record a dispatch (or a validation skip)
// produces for one request.
type Outcome struct {
	RequestID  string
	Capability string
	State      State
	// Backend is the backend that produced the terminal result; empty when
	// every attempt failed or the request never dispatched.
	Backend      string
	ArtifactPath string
	Fields       map[string]string
	ErrorKind    ErrorKind
	Detail       string
	Findings     []validate.Finding
	Attempts     []Attempt
	Elapsed      time.Duration
}

// Skipped builds the outcome for a request blocked by validation.
func Skipped(req *capability.Request, findings []validate.Finding) *Outcome {
	detail := "validation failed"
	for _, f := range findings {
		if f.Severity == validate.SeverityError {
			detail = f.String()
			break
		}
	}
	return &Outcome{
		RequestID:  req.ID,
		Capability: req.Capability,
		State:      StateSkipped,
		Detail:     detail,
		Findings:   findings,
	}
}

// Config carries dispatcher timeouts and concurrency caps.
type Config struct {
	// Timeouts maps backend name to its per-attempt timeout.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration
	// Caps maps backend name to its concurrent-request bound.
	Caps map[string]int
}

// Dispatcher runs requests against backends from a registry.
type Dispatcher struct {
	reg  *capability.Registry
	cfg  Config
	gate *Gate
}

func New(reg *capability.Registry, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Dispatcher{reg: reg, cfg: cfg, gate: NewGate(cfg.Caps)}
}

func (d *Dispatcher) timeoutFor(name string) time.Duration {
	if t, ok := d.cfg.Timeouts[name]; ok && t > 0 {
		return t
	}
	return d.cfg.DefaultTimeout
}

// Dispatch attempts backends in order and produces exactly one Outcome.
// A permanent failure stops the fallback chain; transient failures,
// timeouts, and unavailable backends move to the next entry. ctx is the
// batch-level cancellation signal: it stops new attempts but a running
// attempt keeps its own timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req *capability.Request, order []string) *Outcome {
	start := time.Now()
	out := &Outcome{RequestID: req.ID, Capability: req.Capability, State: StateFailed}
	var overrode bool
	defer func() {
		out.Elapsed = time.Since(start)
		if overrode && out.State != StateSucceeded {
			out.Detail = appendDetail(out.Detail,
				fmt.Sprintf("preferred backend %s was outside the recommended order", req.Preferred))
		}
	}()

	c, err := d.reg.Lookup(req.Capability)
	if err != nil {
		out.ErrorKind = KindPermanent
		out.Detail = err.Error()
		return out
	}
	byName := map[string]capability.Backend{}
	for _, b := range c.Backends() {
		byName[b.Name()] = b
	}

	if req.Preferred != "" {
		overrode = true
		for _, name := range order {
			if name == req.Preferred {
				overrode = false
			}
		}
		if overrode {
			log.Info().
				Str("request", req.ID).
				Str("backend", req.Preferred).
				Msg("pinned backend overrides estimator recommendation")
		}
		order = []string{req.Preferred}
	}
	if len(order) == 0 {
		out.ErrorKind = KindUnavailable
		out.Detail = "no backend ready"
		return out
	}

	for _, name := range order {
		if ctx.Err() != nil {
			out.Detail = appendDetail(out.Detail, "cancelled before remaining backends")
			break
		}
		b, ok := byName[name]
		if !ok {
			out.Attempts = append(out.Attempts, Attempt{
				Backend: name,
				Kind:    KindUnavailable,
				Detail:  "backend not registered for capability",
			})
			continue
		}

		attempt, payload := d.attempt(ctx, b, req)
		out.Attempts = append(out.Attempts, attempt)

		if payload != nil {
			out.State = StateSucceeded
			out.Backend = name
			out.ArtifactPath = payload.ArtifactPath
			out.Fields = payload.Fields
			out.ErrorKind = ""
			log.Info().
				Str("request", req.ID).
				Str("backend", name).
				Dur("elapsed", attempt.Elapsed).
				Msg("dispatch succeeded")
			return out
		}

		if attempt.Kind == KindPermanent {
			out.Backend = name
			out.ErrorKind = KindPermanent
			out.Detail = attempt.Detail
			log.Warn().
				Str("request", req.ID).
				Str("backend", name).
				Str("reason", attempt.Reason).
				Msg("permanent backend failure, stopping dispatch")
			return out
		}

		log.Warn().
			Str("request", req.ID).
			Str("backend", name).
			Str("kind", string(attempt.Kind)).
			Str("detail", attempt.Detail).
			Msg("backend attempt failed, trying next")
	}

	// Every backend attempt failed or was unavailable.
	out.ErrorKind = aggregateKind(out.Attempts)
	out.Detail = appendDetail(summarizeAttempts(out.Attempts), out.Detail)
	return out
}

// attempt runs one backend under its timeout, holding the resource gate for
// the duration. The attempt context is detached from batch cancellation so
// in-flight work runs to its own deadline.
func (d *Dispatcher) attempt(ctx context.Context, b capability.Backend, req *capability.Request) (Attempt, *capability.Payload) {
	at := Attempt{Backend: b.Name()}
	begin := time.Now()

	release, err := d.gate.acquire(ctx, b)
	if err != nil {
		at.Kind = KindTransient
		at.Detail = fmt.Sprintf("cancelled while waiting for %s: %v", b.Name(), err)
		at.Elapsed = time.Since(begin)
		return at, nil
	}
	defer release()

	if err := b.Ready(ctx); err != nil {
		at.Kind = KindUnavailable
		at.Reason = ReasonServiceUnavailable
		at.Detail = err.Error()
		at.Elapsed = time.Since(begin)
		return at, nil
	}

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeoutFor(b.Name()))
	defer cancel()

	payload, err := b.Execute(attemptCtx, req)
	at.Elapsed = time.Since(begin)
	if err != nil {
		at.Kind = Classify(err)
		at.Reason = ReasonOf(err)
		if errors.Is(err, context.DeadlineExceeded) && at.Reason == "" {
			at.Reason = "Timeout"
		}
		at.Detail = err.Error()
		return at, nil
	}
	return at, payload
}

func aggregateKind(attempts []Attempt) ErrorKind {
	if len(attempts) == 0 {
		return KindUnavailable
	}
	for _, a := range attempts {
		if a.Kind != KindUnavailable {
			return KindTransient
		}
	}
	return KindUnavailable
}

func summarizeAttempts(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "no backend attempted"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Backend, a.Detail))
	}
	return "all backends failed: " + strings.Join(parts, "; ")
}

func appendDetail(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	default:
		return base + "; " + extra
	}
}
