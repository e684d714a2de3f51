package utils

import "github.com/pkg/errors"

// AssertInvariant panics when cond is false and the invariants build tag is set.
// Contract violations by callers are bugs above this package, not runtime errors.
func AssertInvariant(cond bool, format string, args ...interface{}) {
	if InvariantsEnabled && !cond {
		panic(errors.Errorf("invariant violated: "+format, args...))
	}
}
