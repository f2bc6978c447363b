package validate

import (
	"fmt"
	"os"

	"github.com/bioflow-dev/bioflow/internal/capability"
)

// CheckFiles is the explicit filesystem pre-check for path parameters. It is
// deliberately not part of Validate so that schema validation stays a pure
// function of the request and the registry. Callers run it right before
// dispatch when they want early failure instead of a backend error.
func (v *Validator) CheckFiles(req *capability.Request) []Finding {
	var out []Finding
	c, err := v.reg.Lookup(req.Capability)
	if err != nil {
		return out
	}
	for _, spec := range c.Params() {
		if spec.Kind != capability.KindPath {
			continue
		}
		path, ok := req.Params[spec.Name]
		if !ok || path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			out = append(out, Finding{
				Severity: SeverityError,
				Code:     CodeFileMissing,
				Param:    spec.Name,
				Message:  fmt.Sprintf("file not accessible: %v", err),
			})
			continue
		}
		if info.IsDir() {
			out = append(out, Finding{
				Severity: SeverityError,
				Code:     CodeInvalidValue,
				Param:    spec.Name,
				Message:  "path is a directory, expected a file",
			})
			continue
		}
		if info.Size() == 0 {
			out = append(out, Finding{
				Severity: SeverityWarning,
				Code:     CodeSuspiciousInput,
				Param:    spec.Name,
				Message:  "file is empty",
			})
		}
	}
	return out
}
