package nim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bioflow-dev/bioflow/internal/artifact"
	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/seq"
)

// MaxSequenceLength is the service's per-sequence residue cap.
const MaxSequenceLength = 4096

// classify maps a client error onto the dispatch taxonomy. Client-side
// rejections (4xx) are permanent: the same input would fail on any retry or
// fallback. Rate limits and server trouble are transient.
func classify(name string, err error, smilesInvolved bool) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == 429 || ae.Status >= 500:
			return dispatch.Transient(name, dispatch.ReasonServiceUnavailable, err)
		case ae.Status >= 400 && ae.Status < 500:
			return dispatch.Permanent(name, rejectionReason(ae, smilesInvolved), err)
		}
	}
	return dispatch.Transient(name, dispatch.ReasonServiceUnavailable, err)
}

func rejectionReason(ae *apiError, smilesInvolved bool) string {
	body := strings.ToLower(ae.Body)
	switch {
	case strings.Contains(body, "smiles"):
		return dispatch.ReasonInvalidSMILES
	case strings.Contains(body, "too long") || ae.Status == 413:
		return dispatch.ReasonSequenceTooLong
	case smilesInvolved:
		return dispatch.ReasonInvalidSMILES
	default:
		return dispatch.ReasonInvalidCharacters
	}
}

// StructureBackend serves structure.predict through the cloud service.
type StructureBackend struct {
	Client *Client
	Store  *artifact.Store
}

func (b *StructureBackend) Name() string                    { return "nim" }
func (b *StructureBackend) Ready(ctx context.Context) error { return b.Client.Ready(ctx) }
func (b *StructureBackend) CostRank() int                   { return 1 }

// MaxInputSize inherits the capability-wide limit: the service caps each
// polymer at MaxSequenceLength, which the declared FASTA parameter enforces
// per record, not the total across chains.
func (b *StructureBackend) MaxInputSize() int { return 0 }

func (b *StructureBackend) Exclusive() bool { return false }

func (b *StructureBackend) Execute(ctx context.Context, req *capability.Request) (*capability.Payload, error) {
	records, err := seq.ParseFASTA(req.Params["fasta"])
	if err != nil {
		return nil, dispatch.Permanent(b.Name(), dispatch.ReasonInvalidCharacters, err)
	}
	mt := req.Params["molecule_type"]
	if mt == "" {
		mt = string(seq.Protein)
	}
	polymers := make([]Polymer, 0, len(records))
	for _, rec := range records {
		polymers = append(polymers, Polymer{
			ID:           rec.ID,
			MoleculeType: mt,
			Sequence:     seq.Normalize(rec.Sequence),
		})
	}
	var ligands []Ligand
	hasLigand := false
	if smiles := req.Params["ligand"]; smiles != "" {
		ligands = append(ligands, Ligand{SMILES: smiles, PredictAffinity: true})
		hasLigand = true
	}

	pred, err := b.Client.PredictStructure(ctx, polymers, ligands)
	if err != nil {
		return nil, classify(b.Name(), err, hasLigand)
	}

	path := b.Store.Path("structure", "cif")
	if _, err := b.Store.Save(path, []byte(pred.Structure)); err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}

	fields := map[string]string{
		"chains":   strconv.Itoa(len(polymers)),
		"residues": strconv.Itoa(totalResidues(polymers)),
	}
	if score, ok := confidenceSummary(pred.Scores); ok {
		fields["confidence"] = score
	}
	if pred.BindingAffinity != nil {
		fields["delta_g"] = strconv.FormatFloat(*pred.BindingAffinity, 'f', 3, 64)
	}
	return &capability.Payload{ArtifactPath: path, Fields: fields}, nil
}

// AffinityBackend serves binding.affinity through the cloud service.
type AffinityBackend struct {
	Client *Client
	Store  *artifact.Store
}

func (b *AffinityBackend) Name() string                    { return "nim" }
func (b *AffinityBackend) Ready(ctx context.Context) error { return b.Client.Ready(ctx) }
func (b *AffinityBackend) CostRank() int                   { return 1 }
func (b *AffinityBackend) MaxInputSize() int               { return MaxSequenceLength }
func (b *AffinityBackend) Exclusive() bool                 { return false }

func (b *AffinityBackend) Execute(ctx context.Context, req *capability.Request) (*capability.Payload, error) {
	sequence := seq.Normalize(req.Params["sequence"])
	smiles := req.Params["smiles"]

	pred, err := b.Client.PredictAffinity(ctx, sequence, smiles)
	if err != nil {
		return nil, classify(b.Name(), err, true)
	}
	if pred.BindingAffinity == nil {
		return nil, dispatch.Permanent(b.Name(), dispatch.ReasonInvalidSMILES,
			fmt.Errorf("service returned no affinity for ligand"))
	}

	path := b.Store.Path("affinity", "cif")
	if _, err := b.Store.Save(path, []byte(pred.Structure)); err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}

	fields := map[string]string{
		"delta_g":  strconv.FormatFloat(*pred.BindingAffinity, 'f', 3, 64),
		"residues": strconv.Itoa(len(sequence)),
	}
	if score, ok := confidenceSummary(pred.Scores); ok {
		fields["confidence"] = score
	}
	return &capability.Payload{ArtifactPath: path, Fields: fields}, nil
}

func totalResidues(polymers []Polymer) int {
	total := 0
	for _, p := range polymers {
		total += len(p.Sequence)
	}
	return total
}

// confidenceSummary pulls a representative confidence value out of the
// service's score document, which varies by model version.
func confidenceSummary(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var scores map[string]any
	if err := json.Unmarshal(raw, &scores); err != nil {
		return "", false
	}
	for _, key := range []string{"confidence_score", "complex_plddt", "plddt", "ptm"} {
		if v, ok := scores[key]; ok {
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', 3, 64), true
			}
		}
	}
	return "", false
}
