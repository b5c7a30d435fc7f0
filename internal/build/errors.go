package build

import "strings"

// CompileError carries the compiler's own diagnostics, verbatim. It is never
// cached: the next GetOrBuild for the same fingerprint compiles again.
type CompileError struct {
	Diagnostics []string
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "compilation failed"
	}
	return "compilation failed: " + strings.Join(e.Diagnostics, "; ")
}
