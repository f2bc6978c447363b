package report

import (
	"testing"

	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

func sampleOutcomes() []dispatch.Outcome {
	return []dispatch.Outcome{
		{
			RequestID: "r1", State: dispatch.StateSucceeded, Backend: "nim",
			Fields: map[string]string{"delta_g": "-7.251", "confidence": "0.912"},
		},
		{
			RequestID: "r2", State: dispatch.StateSucceeded, Backend: "boltz",
			Fields: map[string]string{"delta_g": "-5.103", "confidence": "0.874"},
			Findings: []validate.Finding{
				{Severity: validate.SeverityWarning, Code: validate.CodeSuspiciousInput, Message: "long sequence"},
			},
		},
		{
			RequestID: "r3", State: dispatch.StateFailed,
			ErrorKind: dispatch.KindPermanent, Detail: "invalid SMILES",
		},
		{
			RequestID: "r4", State: dispatch.StateSkipped,
			Findings: []validate.Finding{
				{Severity: validate.SeverityError, Code: validate.CodeMissingParameter, Param: "smiles"},
			},
		},
	}
}

func TestSummarizeCounts(t *testing.T) {
	r := Summarize(sampleOutcomes(), nil)
	if r.Total != 4 || r.Succeeded != 2 || r.Failed != 1 || r.Skipped != 1 {
		t.Fatalf("unexpected counts: %+v", r)
	}
	if r.Warnings != 1 {
		t.Errorf("expected 1 warning, got %d", r.Warnings)
	}
}

func TestSummarizeGroupsFailures(t *testing.T) {
	r := Summarize(sampleOutcomes(), nil)
	if r.FailuresByKind[string(dispatch.KindPermanent)] != 1 {
		t.Errorf("permanent failures not grouped: %v", r.FailuresByKind)
	}
	if r.FailuresByKind[validate.CodeMissingParameter] != 1 {
		t.Errorf("skips not grouped by blocking code: %v", r.FailuresByKind)
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] > kinds[1] {
		t.Errorf("Kinds must be sorted and complete: %v", kinds)
	}
}

func TestSummarizeFailedWithoutKindDefaultsTransient(t *testing.T) {
	r := Summarize([]dispatch.Outcome{{RequestID: "r", State: dispatch.StateFailed}}, nil)
	if r.FailuresByKind[string(dispatch.KindTransient)] != 1 {
		t.Errorf("kindless failure should count as transient: %v", r.FailuresByKind)
	}
}

func TestProjection(t *testing.T) {
	proj := Fields("delta_g", "confidence")
	r := Summarize(sampleOutcomes(), proj)
	want := []string{"request", "state", "delta_g", "confidence"}
	if len(r.Columns) != len(want) {
		t.Fatalf("unexpected columns: %v", r.Columns)
	}
	for i, col := range want {
		if r.Columns[i] != col {
			t.Fatalf("column %d: got %s want %s", i, r.Columns[i], col)
		}
	}
	if len(r.Rows) != 4 {
		t.Fatalf("expected one row per outcome, got %d", len(r.Rows))
	}
	if r.Rows[0][2] != "-7.251" {
		t.Errorf("row should carry the payload field, got %q", r.Rows[0][2])
	}
	// failed and skipped rows still appear, with empty fields
	if r.Rows[3][0] != "r4" || r.Rows[3][2] != "" {
		t.Errorf("unexpected skipped row: %v", r.Rows[3])
	}
}
