package capability

import (
	"context"

	"github.com/google/uuid"

	"github.com/bioflow-dev/bioflow/internal/seq"
)

// ParamKind tags the type of a declared capability parameter.
type ParamKind string

const (
	KindText     ParamKind = "text"
	KindSequence ParamKind = "sequence" // symbols from a molecule alphabet
	KindFASTA    ParamKind = "fasta"    // one or more FASTA records
	KindSMILES   ParamKind = "smiles"   // opaque molecular notation, checked syntactically
	KindPath     ParamKind = "path"     // file path, existence checked separately
	KindNumber   ParamKind = "number"   // numeric with optional range
	KindChoice   ParamKind = "choice"   // one of an enumerated set
)

// ParamSpec declares one named typed parameter of a Capability.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool

	// Molecule selects the alphabet for KindSequence/KindFASTA. Empty means
	// the alphabet is chosen by a sibling choice parameter at validation.
	Molecule seq.MoleculeType
	// MaxLen bounds the value length (per FASTA record for KindFASTA).
	// Zero inherits the Capability's MaxInputSize.
	MaxLen  int
	Min     float64
	Max     float64
	Choices []string
}

// Payload is the structured result a backend produces for one request.
// Fields carry comparable values for report projections.
type Payload struct {
	ArtifactPath string
	Fields       map[string]string
}

// Backend is one concrete provider of a Capability.
type Backend interface {
	Name() string
	// Ready reports whether the backend can accept work right now. A non-nil
	// error is the exclusion reason surfaced in estimates.
	Ready(ctx context.Context) error
	// CostRank orders backends within a capability; lower is preferred.
	CostRank() int
	// MaxInputSize may be stricter than the Capability's; zero inherits it.
	MaxInputSize() int
	// Exclusive backends hold the single-permit accelerator while executing.
	Exclusive() bool
	Execute(ctx context.Context, req *Request) (*Payload, error)
}

// Capability describes one abstract external operation. Immutable once
// registered.
type Capability struct {
	name         string
	params       []ParamSpec
	maxInputSize int
	backends     []Backend
}

// New builds a Capability with backends in declared priority order.
func New(name string, maxInputSize int, params []ParamSpec, backends ...Backend) *Capability {
	return &Capability{
		name:         name,
		params:       params,
		maxInputSize: maxInputSize,
		backends:     backends,
	}
}

func (c *Capability) Name() string { return c.name }

func (c *Capability) MaxInputSize() int { return c.maxInputSize }

func (c *Capability) Params() []ParamSpec {
	out := make([]ParamSpec, len(c.params))
	copy(out, c.params)
	return out
}

// Param looks up a parameter spec by name.
func (c *Capability) Param(name string) (ParamSpec, bool) {
	for _, p := range c.params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Backends returns the backend list in declared priority order.
func (c *Capability) Backends() []Backend {
	out := make([]Backend, len(c.backends))
	copy(out, c.backends)
	return out
}

// BackendLimit resolves the effective size limit for a backend, falling back
// to the capability-wide limit when the backend declares none.
func (c *Capability) BackendLimit(b Backend) int {
	if limit := b.MaxInputSize(); limit > 0 {
		return limit
	}
	return c.maxInputSize
}

// InputSize estimates a request's footprint: total symbols across sequence
// and FASTA parameters, or raw value length for other kinds that carry bulk
// data. Unparseable FASTA contributes its raw length; validation reports the
// parse failure itself.
func (c *Capability) InputSize(params map[string]string) int {
	size := 0
	for _, p := range c.params {
		v, ok := params[p.Name]
		if !ok {
			continue
		}
		switch p.Kind {
		case KindSequence:
			size += len(seq.Normalize(v))
		case KindFASTA:
			if records, err := seq.ParseFASTA(v); err == nil {
				size += seq.TotalResidues(records)
			} else {
				size += len(v)
			}
		}
	}
	return size
}

// Request is one concrete invocation of a Capability. Immutable after
// creation; never shared across concurrent dispatches.
type Request struct {
	ID         string
	Capability string
	Params     map[string]string
	// Preferred pins dispatch to a single backend when set.
	Preferred string
}

// NewRequest creates a request with a fresh identifier.
func NewRequest(capabilityName string, params map[string]string) *Request {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return &Request{
		ID:         uuid.NewString(),
		Capability: capabilityName,
		Params:     cp,
	}
}

// WithPreferred returns a copy of the request pinned to a backend.
func (r *Request) WithPreferred(backend string) *Request {
	cp := *r
	cp.Preferred = backend
	return &cp
}
