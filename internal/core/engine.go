package core

import (
	"fmt"
	"time"

	"github.com/bioflow-dev/bioflow/internal/artifact"
	"github.com/bioflow-dev/bioflow/internal/backends/bioio"
	"github.com/bioflow-dev/bioflow/internal/backends/boltz"
	"github.com/bioflow-dev/bioflow/internal/backends/nim"
	"github.com/bioflow-dev/bioflow/internal/batch"
	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/estimate"
	"github.com/bioflow-dev/bioflow/internal/seq"
	"github.com/bioflow-dev/bioflow/internal/telemetry"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Capability identifiers.
const (
	CapMetadata  = "microscopy.metadata"
	CapStructure = "structure.predict"
	CapAffinity  = "binding.affinity"
)

// Engine wires the registry, pipeline stages, and artifact store together.
type Engine struct {
	Cfg          Config
	Registry     *capability.Registry
	Validator    *validate.Validator
	Estimator    *estimate.Estimator
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *batch.Orchestrator
	Artifacts    *artifact.Store
	Metrics      *telemetry.Collector
}

// NewEngine registers the built-in capabilities and their backends.
// Registration happens exactly once here; the registry is read-only for the
// rest of the process lifetime.
func NewEngine(cfg Config) (*Engine, error) {
	reg := capability.NewRegistry()
	store := artifact.NewStore(cfg.Artifacts.Dir)

	metadataBackend := bioio.New(&bioio.CLIReader{Binary: cfg.Bioio.Binary}, cfg.Thresholds.SuspiciousTimepoints)
	metadata := capability.New(CapMetadata, 0, []capability.ParamSpec{
		{Name: "path", Kind: capability.KindPath, Required: true},
		{Name: "scene", Kind: capability.KindText},
	}, metadataBackend)

	nimClient := nim.NewClient(cfg.NIM.Config)
	structureCloud := &nim.StructureBackend{Client: nimClient, Store: store}
	structureLocal := boltz.New(cfg.Boltz, store)
	structure := capability.New(CapStructure, cfg.Thresholds.MaxPolymers*nim.MaxSequenceLength, []capability.ParamSpec{
		{Name: "fasta", Kind: capability.KindFASTA, Required: true, MaxLen: nim.MaxSequenceLength},
		{Name: "molecule_type", Kind: capability.KindChoice, Choices: []string{"protein", "dna", "rna"}},
		{Name: "ligand", Kind: capability.KindSMILES},
	}, structureCloud, structureLocal)

	affinityCloud := &nim.AffinityBackend{Client: nimClient, Store: store}
	affinity := capability.New(CapAffinity, nim.MaxSequenceLength, []capability.ParamSpec{
		{Name: "sequence", Kind: capability.KindSequence, Required: true, Molecule: seq.Protein, MaxLen: nim.MaxSequenceLength},
		{Name: "smiles", Kind: capability.KindSMILES, Required: true},
		{Name: "label", Kind: capability.KindText},
	}, affinityCloud)

	for _, c := range []*capability.Capability{metadata, structure, affinity} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.Name(), err)
		}
	}

	validator := validate.New(reg, cfg.Thresholds)
	estimator := estimate.New(reg)
	dispatcher := dispatch.New(reg, dispatch.Config{
		Timeouts: map[string]time.Duration{
			"nim":   time.Duration(cfg.Timeouts.CloudSeconds) * time.Second,
			"boltz": time.Duration(cfg.Timeouts.LocalSeconds) * time.Second,
			"bioio": time.Duration(cfg.Timeouts.MetadataSeconds) * time.Second,
		},
		Caps: map[string]int{"nim": cfg.NIM.MaxConcurrent},
	})
	metrics := telemetry.NewCollector(cfg.Telemetry.Enabled)
	orchestrator := batch.NewOrchestrator(validator, estimator, dispatcher, metrics)
	orchestrator.Workers = cfg.Batch.Workers

	return &Engine{
		Cfg:          cfg,
		Registry:     reg,
		Validator:    validator,
		Estimator:    estimator,
		Dispatcher:   dispatcher,
		Orchestrator: orchestrator,
		Artifacts:    store,
		Metrics:      metrics,
	}, nil
}
