// Package validate gates dispatch: it checks a request against its
// capability's declared schema and produces a structured result without
// touching the network, the filesystem, or the backends.
package validate

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/seq"
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding codes.
const (
	CodeMissingParameter  = "MissingParameter"
	CodeInvalidValue      = "InvalidValue"
	CodeSizeExceeded      = "SizeExceeded"
	CodeSuspiciousInput   = "SuspiciousInput"
	CodeUnknownCapability = "UnknownCapability"
	CodeFileMissing       = "FileMissing"
)

// Finding is one validation observation about a request parameter.
type Finding struct {
	Severity Severity
	Code     string
	Param    string
	Message  string
}

func (f Finding) String() string {
	if f.Param == "" {
		return fmt.Sprintf("%s[%s]: %s", f.Severity, f.Code, f.Message)
	}
	return fmt.Sprintf("%s[%s] %s: %s", f.Severity, f.Code, f.Param, f.Message)
}

// Verdict of a validation run.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Result is the outcome of validating one request. Verdict is fail iff any
// error-severity finding exists.
type Result struct {
	RequestID string
	Findings  []Finding
	Verdict   Verdict
}

// Pass reports whether dispatch may proceed.
func (r Result) Pass() bool { return r.Verdict == VerdictPass }

// Errors returns only error-severity findings.
func (r Result) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// Thresholds configures what counts as suspicious. The source material only
// gestures at examples, so every bound is tunable.
type Thresholds struct {
	SuspiciousSequenceLen int      `yaml:"suspicious_sequence_len"`
	SuspiciousTimepoints  int      `yaml:"suspicious_timepoints"`
	MaxPolymers           int      `yaml:"max_polymers"`
	PlaceholderLabels     []string `yaml:"placeholder_labels"`
	KnownImageExtensions  []string `yaml:"known_image_extensions"`
}

// DefaultThresholds mirrors the limits the external services publish.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SuspiciousSequenceLen: 2000,
		SuspiciousTimepoints:  10000,
		MaxPolymers:           12,
		PlaceholderLabels:     []string{"test", "sample", "seq", "sequence", "example", "foo"},
		KnownImageExtensions:  []string{".tif", ".tiff", ".ome.tiff", ".nd2", ".czi", ".lif"},
	}
}

// Validator checks requests against the registry's declared schemas.
type Validator struct {
	reg        *capability.Registry
	thresholds Thresholds
}

func New(reg *capability.Registry, thresholds Thresholds) *Validator {
	return &Validator{reg: reg, thresholds: thresholds}
}

// Validate is a pure function of the request and the registry. It performs
// no I/O; file existence is the separate CheckFiles pre-check.
func (v *Validator) Validate(req *capability.Request) Result {
	res := Result{RequestID: req.ID, Verdict: VerdictPass}

	c, err := v.reg.Lookup(req.Capability)
	if err != nil {
		res.Findings = append(res.Findings, Finding{
			Severity: SeverityError,
			Code:     CodeUnknownCapability,
			Message:  err.Error(),
		})
		res.Verdict = VerdictFail
		return res
	}

	for _, spec := range c.Params() {
		value, present := req.Params[spec.Name]
		if !present || strings.TrimSpace(value) == "" {
			if spec.Required {
				res.Findings = append(res.Findings, Finding{
					Severity: SeverityError,
					Code:     CodeMissingParameter,
					Param:    spec.Name,
					Message:  "required parameter missing",
				})
			}
			continue
		}
		res.Findings = append(res.Findings, v.checkParam(c, spec, value, req.Params)...)
	}

	for name := range req.Params {
		if _, declared := c.Param(name); !declared {
			res.Findings = append(res.Findings, Finding{
				Severity: SeverityWarning,
				Code:     CodeSuspiciousInput,
				Param:    name,
				Message:  "parameter not declared by capability, ignored",
			})
		}
	}

	if size := c.InputSize(req.Params); c.MaxInputSize() > 0 && size > c.MaxInputSize() {
		res.Findings = append(res.Findings, Finding{
			Severity: SeverityError,
			Code:     CodeSizeExceeded,
			Message:  fmt.Sprintf("total input size %d exceeds capability maximum %d", size, c.MaxInputSize()),
		})
	}

	for _, f := range res.Findings {
		if f.Severity == SeverityError {
			res.Verdict = VerdictFail
			break
		}
	}
	log.Debug().
		Str("request", req.ID).
		Str("capability", req.Capability).
		Str("verdict", string(res.Verdict)).
		Int("findings", len(res.Findings)).
		Msg("validated request")
	return res
}

func (v *Validator) checkParam(c *capability.Capability, spec capability.ParamSpec, value string, params map[string]string) []Finding {
	var out []Finding
	errf := func(code, format string, args ...any) {
		out = append(out, Finding{Severity: SeverityError, Code: code, Param: spec.Name, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(format string, args ...any) {
		out = append(out, Finding{Severity: SeverityWarning, Code: CodeSuspiciousInput, Param: spec.Name, Message: fmt.Sprintf(format, args...)})
	}

	maxLen := spec.MaxLen
	if maxLen == 0 {
		maxLen = c.MaxInputSize()
	}

	switch spec.Kind {
	case capability.KindText:
		if v.isPlaceholder(value) {
			warnf("value %q looks like a placeholder label", value)
		}

	case capability.KindSequence:
		mt := v.moleculeFor(spec, params)
		s := seq.Normalize(value)
		if err := seq.Validate(s, mt); err != nil {
			errf(CodeInvalidValue, "%v", err)
			break
		}
		if maxLen > 0 && len(s) > maxLen {
			errf(CodeSizeExceeded, "sequence length %d exceeds maximum %d", len(s), maxLen)
		} else if v.thresholds.SuspiciousSequenceLen > 0 && len(s) > v.thresholds.SuspiciousSequenceLen {
			warnf("sequence length %d is unusually large", len(s))
		}

	case capability.KindFASTA:
		records, err := seq.ParseFASTA(value)
		if err != nil {
			errf(CodeInvalidValue, "%v", err)
			break
		}
		if v.thresholds.MaxPolymers > 0 && len(records) > v.thresholds.MaxPolymers {
			errf(CodeSizeExceeded, "%d polymers exceed maximum %d", len(records), v.thresholds.MaxPolymers)
		}
		mt := v.moleculeFor(spec, params)
		for _, rec := range records {
			s := seq.Normalize(rec.Sequence)
			if err := seq.Validate(s, mt); err != nil {
				errf(CodeInvalidValue, "record %s: %v", rec.ID, err)
				continue
			}
			if maxLen > 0 && len(s) > maxLen {
				errf(CodeSizeExceeded, "record %s length %d exceeds maximum %d", rec.ID, len(s), maxLen)
			} else if v.thresholds.SuspiciousSequenceLen > 0 && len(s) > v.thresholds.SuspiciousSequenceLen {
				warnf("record %s length %d is unusually large", rec.ID, len(s))
			}
			if v.isPlaceholder(rec.ID) {
				warnf("record label %q looks like a placeholder", rec.ID)
			}
		}

	case capability.KindSMILES:
		if err := seq.ValidateSMILES(value); err != nil {
			errf(CodeInvalidValue, "%v", err)
		}

	case capability.KindPath:
		if strings.ContainsRune(value, 0) {
			errf(CodeInvalidValue, "path contains NUL byte")
			break
		}
		if strings.HasSuffix(value, string(filepath.Separator)) {
			errf(CodeInvalidValue, "path names a directory, not a file")
			break
		}
		if !v.knownExtension(value) {
			warnf("extension of %q is not a recognized microscopy format", filepath.Base(value))
		}

	case capability.KindNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			errf(CodeInvalidValue, "not a number: %q", value)
			break
		}
		if spec.Min != 0 || spec.Max != 0 {
			if n < spec.Min || n > spec.Max {
				errf(CodeInvalidValue, "value %v outside range [%v, %v]", n, spec.Min, spec.Max)
			}
		}

	case capability.KindChoice:
		ok := false
		for _, c := range spec.Choices {
			if value == c {
				ok = true
				break
			}
		}
		if !ok {
			errf(CodeInvalidValue, "value %q not one of %v", value, spec.Choices)
		}
	}
	return out
}

// moleculeFor resolves the alphabet for a sequence parameter, honoring a
// sibling molecule_type choice parameter when the declaration leaves it open.
func (v *Validator) moleculeFor(spec capability.ParamSpec, params map[string]string) seq.MoleculeType {
	if spec.Molecule != "" {
		return spec.Molecule
	}
	if mt, ok := params["molecule_type"]; ok && mt != "" {
		return seq.MoleculeType(strings.ToLower(mt))
	}
	return seq.Protein
}

func (v *Validator) isPlaceholder(value string) bool {
	s := strings.ToLower(strings.TrimSpace(value))
	if len(s) == 1 {
		return false // single chain IDs like "A" are normal
	}
	for _, p := range v.thresholds.PlaceholderLabels {
		if s == p {
			return true
		}
	}
	return false
}

func (v *Validator) knownExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range v.thresholds.KnownImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
