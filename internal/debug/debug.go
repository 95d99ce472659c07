// Package debug holds the handful of assertion-style helpers used to
// guard invariants that, if violated, indicate a programmer error rather
// than a client-facing condition (see spec §7, "Fatal" error category).
package debug

import "fmt"

// Assert panics if cond is false. Reserved for invariants that must never
// be false if the rest of the package is correct -- never for conditions
// reachable from client input.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, args...))
	}
}
