// Package batch drives Validate, Estimate, and Dispatch over a collection of
// requests, producing one Outcome per input in submission order. A single
// bad item never aborts the batch.
package batch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/estimate"
	"github.com/bioflow-dev/bioflow/internal/telemetry"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Orchestrator wires the pipeline stages together for batch runs.
type Orchestrator struct {
	validator  *validate.Validator
	estimator  *estimate.Estimator
	dispatcher *dispatch.Dispatcher
	metrics    *telemetry.Collector
	// Workers bounds dispatch parallelism. Defaults to sequential: the
	// primary backends are remote quotas or a single accelerator.
	Workers int
}

func NewOrchestrator(v *validate.Validator, e *estimate.Estimator, d *dispatch.Dispatcher, m *telemetry.Collector) *Orchestrator {
	return &Orchestrator{validator: v, estimator: e, dispatcher: d, metrics: m, Workers: 1}
}

// Run processes every request and returns a finalized ledger with exactly
// one outcome per input. Cancelling ctx stops new dispatches; in-flight
// attempts run to their per-backend timeout. Requests that never dispatched
// are recorded as skipped so no item is silently dropped. The ledger is
// labeled with the shared capability, or "mixed" when the batch spans more
// than one; each outcome still carries its own.
func (o *Orchestrator) Run(ctx context.Context, requests []*capability.Request) *Ledger {
	ledger := NewLedger(uuid.NewString(), len(requests))
	for _, req := range requests {
		if ledger.Capability == "" {
			ledger.Capability = req.Capability
		} else if ledger.Capability != req.Capability {
			ledger.Capability = "mixed"
			break
		}
	}
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	log.Info().
		Str("run", ledger.RunID).
		Int("requests", len(requests)).
		Int("workers", workers).
		Msg("starting batch")

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req *capability.Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ledger.put(i, o.processOne(ctx, req))
		}(i, req)
	}
	wg.Wait()

	ledger.finalize()
	o.metrics.LogSummary()
	log.Info().
		Str("run", ledger.RunID).
		Int("outcomes", ledger.Completed()).
		Msg("batch complete")
	return ledger
}

func (o *Orchestrator) processOne(ctx context.Context, req *capability.Request) *dispatch.Outcome {
	res := o.validator.Validate(req)
	if !res.Pass() {
		o.metrics.Count("skipped")
		return dispatch.Skipped(req, res.Findings)
	}

	if ctx.Err() != nil {
		o.metrics.Count("skipped")
		out := dispatch.Skipped(req, res.Findings)
		out.Detail = "batch cancelled before dispatch"
		return out
	}

	est := o.estimator.Estimate(ctx, req, res)
	out := o.dispatcher.Dispatch(ctx, req, est.Order)
	// Carry validation warnings through so reports can surface them.
	out.Findings = append(res.Findings, out.Findings...)

	o.metrics.Count(string(out.State))
	o.metrics.Observe("dispatch_time", out.Elapsed)
	for i := 1; i < len(out.Attempts); i++ {
		o.metrics.Count("fallbacks")
	}
	return out
}
