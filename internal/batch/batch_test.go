package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/estimate"
	"github.com/bioflow-dev/bioflow/internal/telemetry"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// echoBackend succeeds and reflects the request's sequence back as a field.
type echoBackend struct {
	name  string
	calls atomic.Int32
	fail  error
}

func (e *echoBackend) Name() string                { return e.name }
func (e *echoBackend) Ready(context.Context) error { return nil }
func (e *echoBackend) CostRank() int               { return 1 }
func (e *echoBackend) MaxInputSize() int           { return 0 }
func (e *echoBackend) Exclusive() bool             { return false }
func (e *echoBackend) Execute(_ context.Context, req *capability.Request) (*capability.Payload, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	return &capability.Payload{Fields: map[string]string{"echo": req.Params["sequence"]}}, nil
}

func newOrchestrator(t *testing.T, workers int, backend capability.Backend) *Orchestrator {
	t.Helper()
	reg := capability.NewRegistry()
	c := capability.New("echo", 4096, []capability.ParamSpec{
		{Name: "sequence", Kind: capability.KindSequence, Required: true},
	}, backend)
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	v := validate.New(reg, validate.DefaultThresholds())
	e := estimate.New(reg)
	d := dispatch.New(reg, dispatch.Config{})
	o := NewOrchestrator(v, e, d, telemetry.NewCollector(false))
	o.Workers = workers
	return o
}

func requests(n int) []*capability.Request {
	reqs := make([]*capability.Request, n)
	for i := range reqs {
		reqs[i] = capability.NewRequest("echo", map[string]string{
			"sequence": fmt.Sprintf("MKTAY%c", "ACDEFGHIKLMNPQRSTVWY"[i%20]),
		})
	}
	return reqs
}

func TestRunOneOutcomePerInput(t *testing.T) {
	backend := &echoBackend{name: "b"}
	o := newOrchestrator(t, 1, backend)
	reqs := requests(5)

	ledger := o.Run(context.Background(), reqs)
	if !ledger.Finalized() {
		t.Fatal("ledger must be finalized after Run")
	}
	outcomes := ledger.Outcomes()
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.RequestID != reqs[i].ID {
			t.Fatalf("outcome %d out of order: got %s want %s", i, out.RequestID, reqs[i].ID)
		}
		if out.State != dispatch.StateSucceeded {
			t.Errorf("outcome %d: %s (%s)", i, out.State, out.Detail)
		}
	}
}

func TestRunOrderSurvivesParallelism(t *testing.T) {
	backend := &echoBackend{name: "b"}
	o := newOrchestrator(t, 8, backend)
	reqs := requests(40)

	ledger := o.Run(context.Background(), reqs)
	outcomes := ledger.Outcomes()
	if len(outcomes) != 40 {
		t.Fatalf("expected 40 outcomes, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.RequestID != reqs[i].ID {
			t.Fatalf("outcome order diverged from submission order at %d", i)
		}
	}
	if backend.calls.Load() != 40 {
		t.Errorf("expected 40 backend calls, got %d", backend.calls.Load())
	}
}

func TestRunSkipsInvalidWithoutDispatch(t *testing.T) {
	backend := &echoBackend{name: "b"}
	o := newOrchestrator(t, 2, backend)
	reqs := requests(3)
	reqs[1] = capability.NewRequest("echo", map[string]string{}) // missing sequence

	ledger := o.Run(context.Background(), reqs)
	outcomes := ledger.Outcomes()
	if outcomes[1].State != dispatch.StateSkipped {
		t.Fatalf("invalid request should be skipped, got %s", outcomes[1].State)
	}
	found := false
	for _, f := range outcomes[1].Findings {
		if f.Code == validate.CodeMissingParameter {
			found = true
		}
	}
	if !found {
		t.Error("skip outcome must carry the blocking finding")
	}
	if backend.calls.Load() != 2 {
		t.Errorf("backend should run only for the 2 valid requests, got %d calls", backend.calls.Load())
	}
	if outcomes[0].State != dispatch.StateSucceeded || outcomes[2].State != dispatch.StateSucceeded {
		t.Error("a bad item must not abort its neighbors")
	}
}

func TestRunLabelsMixedCapabilities(t *testing.T) {
	backend := &echoBackend{name: "b"}
	reg := capability.NewRegistry()
	for _, name := range []string{"echo", "fold"} {
		c := capability.New(name, 4096, []capability.ParamSpec{
			{Name: "sequence", Kind: capability.KindSequence, Required: true},
		}, backend)
		if err := reg.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	v := validate.New(reg, validate.DefaultThresholds())
	o := NewOrchestrator(v, estimate.New(reg), dispatch.New(reg, dispatch.Config{}), telemetry.NewCollector(false))

	mixed := o.Run(context.Background(), []*capability.Request{
		capability.NewRequest("echo", map[string]string{"sequence": "MKTA"}),
		capability.NewRequest("fold", map[string]string{"sequence": "MKTA"}),
	})
	if mixed.Capability != "mixed" {
		t.Errorf("mixed batch should be labeled mixed, got %q", mixed.Capability)
	}
	if mixed.Outcomes()[1].Capability != "fold" {
		t.Errorf("outcomes keep their own capability, got %q", mixed.Outcomes()[1].Capability)
	}

	single := o.Run(context.Background(), []*capability.Request{
		capability.NewRequest("echo", map[string]string{"sequence": "MKTA"}),
	})
	if single.Capability != "echo" {
		t.Errorf("single-capability batch keeps its label, got %q", single.Capability)
	}
}

func TestRunPermanentFailureIsFailedNotSkipped(t *testing.T) {
	backend := &echoBackend{name: "b", fail: dispatch.Permanent("b", dispatch.ReasonUnreadableFormat, fmt.Errorf("cannot decode"))}
	o := newOrchestrator(t, 1, backend)

	ledger := o.Run(context.Background(), requests(1))
	out := ledger.Outcomes()[0]
	if out.State != dispatch.StateFailed {
		t.Fatalf("expected failed, got %s", out.State)
	}
	if out.ErrorKind != dispatch.KindPermanent {
		t.Errorf("expected permanent kind, got %s", out.ErrorKind)
	}
}

func TestRunCancelledBeforeDispatch(t *testing.T) {
	backend := &echoBackend{name: "b"}
	o := newOrchestrator(t, 1, backend)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := o.Run(ctx, requests(3))
	outcomes := ledger.Outcomes()
	if len(outcomes) != 3 {
		t.Fatalf("cancelled batch must still record every input, got %d", len(outcomes))
	}
	for i, out := range outcomes {
		if out.State != dispatch.StateSkipped {
			t.Errorf("outcome %d should be skipped, got %s", i, out.State)
		}
	}
	if backend.calls.Load() != 0 {
		t.Error("no dispatch should start after cancellation")
	}
}

func TestLedgerRejectsDoubleWrite(t *testing.T) {
	l := NewLedger("run", 1)
	l.put(0, &dispatch.Outcome{})
	defer func() {
		if recover() == nil {
			t.Fatal("double write must panic")
		}
	}()
	l.put(0, &dispatch.Outcome{})
}
