// Package report reduces a ledger of outcomes into a structured summary.
// The core never formats output; rendering belongs to the caller.
package report

import (
	"sort"

	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/validate"
)

// Report is the aggregate view of one batch run.
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Warnings  int
	// FailuresByKind groups failed outcomes by dispatch error kind and
	// skipped outcomes by their blocking validation code.
	FailuresByKind map[string]int
	// Columns/Rows form the comparison table when a projection was given:
	// one row per outcome, in ledger order.
	Columns []string
	Rows    [][]string
}

// Projection selects comparable columns out of outcome payloads.
type Projection struct {
	Columns []string
	Row     func(o dispatch.Outcome) []string
}

// Fields builds a projection that reads named payload fields, prefixed with
// the request identity and terminal state.
func Fields(columns ...string) *Projection {
	head := append([]string{"request", "state"}, columns...)
	return &Projection{
		Columns: head,
		Row: func(o dispatch.Outcome) []string {
			row := make([]string, 0, len(head))
			row = append(row, o.RequestID, string(o.State))
			for _, col := range columns {
				row = append(row, o.Fields[col])
			}
			return row
		},
	}
}

// Summarize computes counts, failure grouping, and the optional comparison
// table. The ledger's outcomes are read, never mutated.
func Summarize(outcomes []dispatch.Outcome, proj *Projection) Report {
	r := Report{
		Total:          len(outcomes),
		FailuresByKind: map[string]int{},
	}
	for _, o := range outcomes {
		switch o.State {
		case dispatch.StateSucceeded:
			r.Succeeded++
		case dispatch.StateFailed:
			r.Failed++
			kind := string(o.ErrorKind)
			if kind == "" {
				kind = string(dispatch.KindTransient)
			}
			r.FailuresByKind[kind]++
		case dispatch.StateSkipped:
			r.Skipped++
			r.FailuresByKind[skipCode(o)]++
		}
		for _, f := range o.Findings {
			if f.Severity == validate.SeverityWarning {
				r.Warnings++
			}
		}
	}
	if proj != nil {
		r.Columns = proj.Columns
		for _, o := range outcomes {
			r.Rows = append(r.Rows, proj.Row(o))
		}
	}
	return r
}

// skipCode picks the validation code that blocked a skipped request.
func skipCode(o dispatch.Outcome) string {
	for _, f := range o.Findings {
		if f.Severity == validate.SeverityError {
			return f.Code
		}
	}
	return "Skipped"
}

// Kinds lists the failure groups in deterministic order.
func (r Report) Kinds() []string {
	kinds := make([]string, 0, len(r.FailuresByKind))
	for k := range r.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
