// Package estimate predicts the cost of a validated request and recommends
// a backend order. Estimates are advisory: they never block dispatch.
package estimate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/seq"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Exclusion records why a backend was left out of the recommendation.
type Exclusion struct {
	Backend string
	Reason  string
}

// Estimate is the advisory cost picture for one request.
type Estimate struct {
	Duration   time.Duration
	VRAMGB     float64
	QuotaUnits int
	// Confidence tags the duration model's reliability; it degrades for
	// inputs past the range the model was fitted on.
	Confidence string
	// Order is the recommended backend ordering. Empty means no backend is
	// ready; Excluded carries the diagnostic reasons.
	Order    []string
	Excluded []Exclusion
}

// Estimator ranks backends for validated requests.
type Estimator struct {
	reg *capability.Registry
}

func New(reg *capability.Registry) *Estimator {
	return &Estimator{reg: reg}
}

// Estimate computes cost and backend ordering. Only meaningful for a passing
// validation result; a failing one yields an empty recommendation.
func (e *Estimator) Estimate(ctx context.Context, req *capability.Request, res validate.Result) Estimate {
	if !res.Pass() {
		return Estimate{Excluded: []Exclusion{{Reason: "validation failed"}}}
	}
	c, err := e.reg.Lookup(req.Capability)
	if err != nil {
		return Estimate{Excluded: []Exclusion{{Reason: err.Error()}}}
	}

	size := c.InputSize(req.Params)
	chains := chainCount(c, req.Params)
	_, hasLigand := req.Params["ligand"]
	if v, ok := req.Params["smiles"]; ok && v != "" {
		hasLigand = true
	}

	est := Estimate{
		Duration:   predictDuration(size, chains, hasLigand),
		VRAMGB:     predictVRAM(size, chains),
		QuotaUnits: 1,
		Confidence: "medium",
	}
	if size > 2000 {
		est.Confidence = "low"
	}

	type ranked struct {
		name  string
		score int
	}
	var candidates []ranked
	for _, b := range c.Backends() {
		if limit := c.BackendLimit(b); limit > 0 && size > limit {
			est.Excluded = append(est.Excluded, Exclusion{
				Backend: b.Name(),
				Reason:  fmt.Sprintf("input size %d exceeds backend limit %d", size, limit),
			})
			continue
		}
		if err := b.Ready(ctx); err != nil {
			est.Excluded = append(est.Excluded, Exclusion{Backend: b.Name(), Reason: err.Error()})
			continue
		}
		candidates = append(candidates, ranked{name: b.Name(), score: score(c, b, size)})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	for _, r := range candidates {
		est.Order = append(est.Order, r.name)
	}

	if len(est.Order) == 0 {
		log.Debug().Str("request", req.ID).Msg("no backend ready")
	}
	return est
}

// score orders available backends: declared cost rank first, with larger
// inputs penalizing backends whose size limits they press against.
func score(c *capability.Capability, b capability.Backend, size int) int {
	s := b.CostRank() * 1000
	if limit := c.BackendLimit(b); limit > 0 {
		s += size * 1000 / limit
	}
	return s
}

func chainCount(c *capability.Capability, params map[string]string) int {
	for _, p := range c.Params() {
		if p.Kind != capability.KindFASTA {
			continue
		}
		if v, ok := params[p.Name]; ok {
			if records, err := seq.ParseFASTA(v); err == nil {
				return len(records)
			}
		}
	}
	return 1
}

// predictDuration models prediction wall time: a fixed startup cost, a
// linear per-residue term, a multi-chain complexity factor, and a docking
// surcharge when a ligand is present.
func predictDuration(totalResidues, chains int, hasLigand bool) time.Duration {
	base := 20.0
	residues := float64(totalResidues) * 0.1
	factor := 1.0
	if chains > 1 {
		factor = 1.5 + float64(chains-1)*0.3
	}
	secs := (base + residues) * factor
	if hasLigand {
		secs += 30
	}
	return time.Duration(secs * float64(time.Second))
}

// predictVRAM models accelerator memory: 8 GB base plus a per-residue slope
// that steepens past 200 and 500 residues, scaled by chain count.
func predictVRAM(totalResidues, chains int) float64 {
	var residueGB float64
	switch {
	case totalResidues <= 200:
		residueGB = float64(totalResidues) * 0.02
	case totalResidues <= 500:
		residueGB = 200*0.02 + float64(totalResidues-200)*0.04
	default:
		residueGB = 200*0.02 + 300*0.04 + float64(totalResidues-500)*0.08
	}
	chainFactor := 1.0 + float64(chains-1)*0.2
	return (8.0 + residueGB) * chainFactor
}
