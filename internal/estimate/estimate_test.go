package estimate

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/seq"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

type fakeBackend struct {
	name     string
	cost     int
	limit    int
	readyErr error
}

func (f *fakeBackend) Name() string                { return f.name }
func (f *fakeBackend) Ready(context.Context) error { return f.readyErr }
func (f *fakeBackend) CostRank() int               { return f.cost }
func (f *fakeBackend) MaxInputSize() int           { return f.limit }
func (f *fakeBackend) Exclusive() bool             { return false }
func (f *fakeBackend) Execute(context.Context, *capability.Request) (*capability.Payload, error) {
	return nil, nil
}

func setup(t *testing.T, backends ...capability.Backend) (*Estimator, *validate.Validator) {
	t.Helper()
	reg := capability.NewRegistry()
	c := capability.New("fold", 49152, []capability.ParamSpec{
		{Name: "fasta", Kind: capability.KindFASTA, Required: true, MaxLen: 4096},
		{Name: "ligand", Kind: capability.KindSMILES},
	}, backends...)
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	return New(reg), validate.New(reg, validate.DefaultThresholds())
}

func fasta(n int) string {
	return ">a\n" + strings.Repeat("M", n) + "\n"
}

func TestEstimateOrdersByCost(t *testing.T) {
	est, v := setup(t,
		&fakeBackend{name: "local", cost: 2},
		&fakeBackend{name: "cloud", cost: 1},
	)
	req := capability.NewRequest("fold", map[string]string{"fasta": fasta(100)})
	res := v.Validate(req)
	e := est.Estimate(context.Background(), req, res)
	if len(e.Order) != 2 || e.Order[0] != "cloud" || e.Order[1] != "local" {
		t.Fatalf("expected cloud before local, got %v", e.Order)
	}
	if e.Confidence != "medium" {
		t.Errorf("small inputs should estimate with medium confidence, got %q", e.Confidence)
	}
}

func TestEstimateConfidenceDegrades(t *testing.T) {
	est, v := setup(t, &fakeBackend{name: "cloud", cost: 1})
	req := capability.NewRequest("fold", map[string]string{"fasta": fasta(2500)})
	e := est.Estimate(context.Background(), req, v.Validate(req))
	if e.Confidence != "low" {
		t.Errorf("oversized inputs should degrade confidence, got %q", e.Confidence)
	}
}

func TestEstimateExcludesUnavailable(t *testing.T) {
	est, v := setup(t,
		&fakeBackend{name: "cloud", cost: 1, readyErr: fmt.Errorf("NVIDIA_API_KEY not configured")},
		&fakeBackend{name: "local", cost: 2},
	)
	req := capability.NewRequest("fold", map[string]string{"fasta": fasta(100)})
	e := est.Estimate(context.Background(), req, v.Validate(req))
	if len(e.Order) != 1 || e.Order[0] != "local" {
		t.Fatalf("expected only local, got %v", e.Order)
	}
	if len(e.Excluded) != 1 || e.Excluded[0].Backend != "cloud" {
		t.Fatalf("expected cloud exclusion, got %+v", e.Excluded)
	}
	if !strings.Contains(e.Excluded[0].Reason, "NVIDIA_API_KEY") {
		t.Errorf("exclusion should carry the readiness error, got %q", e.Excluded[0].Reason)
	}
}

func TestEstimateExcludesOversized(t *testing.T) {
	est, v := setup(t,
		&fakeBackend{name: "cloud", cost: 1},
		&fakeBackend{name: "local", cost: 2, limit: 2000},
	)
	req := capability.NewRequest("fold", map[string]string{"fasta": fasta(2500)})
	e := est.Estimate(context.Background(), req, v.Validate(req))
	if len(e.Order) != 1 || e.Order[0] != "cloud" {
		t.Fatalf("expected only cloud, got %v", e.Order)
	}
	if len(e.Excluded) != 1 || !strings.Contains(e.Excluded[0].Reason, "exceeds backend limit") {
		t.Fatalf("expected size exclusion, got %+v", e.Excluded)
	}
}

func TestEstimateEmptyWhenNothingReady(t *testing.T) {
	est, v := setup(t,
		&fakeBackend{name: "cloud", cost: 1, readyErr: fmt.Errorf("down")},
	)
	req := capability.NewRequest("fold", map[string]string{"fasta": fasta(50)})
	e := est.Estimate(context.Background(), req, v.Validate(req))
	if len(e.Order) != 0 {
		t.Fatalf("expected empty order, got %v", e.Order)
	}
}

func TestEstimateFailedValidation(t *testing.T) {
	est, v := setup(t, &fakeBackend{name: "cloud", cost: 1})
	req := capability.NewRequest("fold", map[string]string{"fasta": "not fasta"})
	e := est.Estimate(context.Background(), req, v.Validate(req))
	if len(e.Order) != 0 || e.Duration != 0 {
		t.Fatalf("failed validation must yield an empty estimate, got %+v", e)
	}
}

func TestDurationModel(t *testing.T) {
	// single chain, 100 residues: (20 + 10) * 1.0
	if got := predictDuration(100, 1, false); got != 30*time.Second {
		t.Errorf("expected 30s, got %s", got)
	}
	// ligand adds a fixed docking surcharge
	if got := predictDuration(100, 1, true); got != 60*time.Second {
		t.Errorf("expected 60s with ligand, got %s", got)
	}
	// two chains: factor 1.8
	if got := predictDuration(100, 2, false); got != time.Duration(54*float64(time.Second)) {
		t.Errorf("expected 54s for dimer, got %s", got)
	}
}

func TestVRAMModel(t *testing.T) {
	cases := []struct {
		residues, chains int
		want             float64
	}{
		{100, 1, 10.0},        // 8 + 100*0.02
		{200, 1, 12.0},        // first knee
		{500, 1, 24.0},        // 8 + 4 + 12
		{600, 1, 32.0},        // steepest slope past 500
		{100, 2, 12.0},        // dimer scales by 1.2
	}
	for _, c := range cases {
		got := predictVRAM(c.residues, c.chains)
		if diff := got - c.want; diff > 0.001 || diff < -0.001 {
			t.Errorf("predictVRAM(%d, %d) = %.3f, want %.3f", c.residues, c.chains, got, c.want)
		}
	}
}

func TestChainCount(t *testing.T) {
	reg := capability.NewRegistry()
	c := capability.New("fold", 0, []capability.ParamSpec{
		{Name: "fasta", Kind: capability.KindFASTA, Molecule: seq.Protein},
	})
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	if got := chainCount(c, map[string]string{"fasta": ">a\nMK\n>b\nTA\n>c\nYY\n"}); got != 3 {
		t.Errorf("expected 3 chains, got %d", got)
	}
	if got := chainCount(c, map[string]string{}); got != 1 {
		t.Errorf("expected default 1 chain, got %d", got)
	}
}
