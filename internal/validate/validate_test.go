package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/seq"
)

type nopBackend struct{ name string }

func (n *nopBackend) Name() string                { return n.name }
func (n *nopBackend) Ready(context.Context) error { return nil }
func (n *nopBackend) CostRank() int               { return 1 }
func (n *nopBackend) MaxInputSize() int           { return 0 }
func (n *nopBackend) Exclusive() bool             { return false }
func (n *nopBackend) Execute(context.Context, *capability.Request) (*capability.Payload, error) {
	return &capability.Payload{}, nil
}

func testValidator(t *testing.T) *Validator {
	t.Helper()
	reg := capability.NewRegistry()
	affinity := capability.New("affinity", 4096, []capability.ParamSpec{
		{Name: "sequence", Kind: capability.KindSequence, Required: true, Molecule: seq.Protein, MaxLen: 4096},
		{Name: "smiles", Kind: capability.KindSMILES, Required: true},
		{Name: "label", Kind: capability.KindText},
	}, &nopBackend{name: "cloud"})
	fold := capability.New("fold", 49152, []capability.ParamSpec{
		{Name: "fasta", Kind: capability.KindFASTA, Required: true, MaxLen: 4096},
		{Name: "molecule_type", Kind: capability.KindChoice, Choices: []string{"protein", "dna", "rna"}},
	}, &nopBackend{name: "cloud"})
	require.NoError(t, reg.Register(affinity))
	require.NoError(t, reg.Register(fold))
	return New(reg, DefaultThresholds())
}

func findingCodes(res Result) []string {
	codes := make([]string, 0, len(res.Findings))
	for _, f := range res.Findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestValidateUnknownCapability(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("nope", nil))
	assert.False(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeUnknownCapability)
}

func TestValidateMissingParameter(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": "MKTAY",
	}))
	assert.False(t, res.Pass())
	require.Len(t, res.Errors(), 1)
	assert.Equal(t, CodeMissingParameter, res.Errors()[0].Code)
	assert.Equal(t, "smiles", res.Errors()[0].Param)
}

func TestValidateInvalidCharacters(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": "MKTAY123",
		"smiles":   "CCO",
	}))
	assert.False(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeInvalidValue)
}

func TestValidateSizeExceeded(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": strings.Repeat("M", 5000),
		"smiles":   "CCO",
	}))
	assert.False(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeSizeExceeded)
}

func TestValidateSuspiciousLengthWarnsButPasses(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": strings.Repeat("M", 2500),
		"smiles":   "CCO",
	}))
	assert.True(t, res.Pass(), "suspicious input must not block dispatch")
	warned := false
	for _, f := range res.Findings {
		if f.Severity == SeverityWarning && f.Code == CodeSuspiciousInput {
			warned = true
		}
	}
	assert.True(t, warned, "expected a SuspiciousInput warning")
}

func TestValidatePlaceholderLabelWarns(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": "MKTAY",
		"smiles":   "CCO",
		"label":    "test",
	}))
	assert.True(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeSuspiciousInput)
}

func TestValidateUndeclaredParameterWarns(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("affinity", map[string]string{
		"sequence": "MKTAY",
		"smiles":   "CCO",
		"bogus":    "1",
	}))
	assert.True(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeSuspiciousInput)
}

func TestValidateFASTAPolymerCap(t *testing.T) {
	v := testValidator(t)
	var b strings.Builder
	for i := 0; i < 13; i++ {
		b.WriteString(">c")
		b.WriteByte(byte('a' + i))
		b.WriteString("\nMKTAY\n")
	}
	res := v.Validate(capability.NewRequest("fold", map[string]string{"fasta": b.String()}))
	assert.False(t, res.Pass())
	assert.Contains(t, findingCodes(res), CodeSizeExceeded)
}

func TestValidateMoleculeTypeChoice(t *testing.T) {
	v := testValidator(t)
	res := v.Validate(capability.NewRequest("fold", map[string]string{
		"fasta":         ">a\nATCG\n",
		"molecule_type": "dna",
	}))
	assert.True(t, res.Pass())

	res = v.Validate(capability.NewRequest("fold", map[string]string{
		"fasta":         ">a\nATCG\n",
		"molecule_type": "peptide",
	}))
	assert.False(t, res.Pass())
}

func TestValidateIsIdempotent(t *testing.T) {
	v := testValidator(t)
	req := capability.NewRequest("affinity", map[string]string{
		"sequence": "MKTAY",
		"smiles":   "CC(=O",
	})
	first := v.Validate(req)
	second := v.Validate(req)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, findingCodes(first), findingCodes(second))
}
