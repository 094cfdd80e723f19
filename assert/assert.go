// ABOUTME: Fatal invariant checks for collector bookkeeping
// ABOUTME: A failed check logs at critical level and panics; there is no recovery path

// Package assert provides the fatal checks used by the collector core.
// Collector bookkeeping cannot itself trigger further collection, so a
// broken invariant halts the process instead of returning an error.
package assert

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("fullgc.assert")

// Failure is the panic value raised by a failed check
type Failure struct {
	Message string
}

func (f *Failure) Error() string {
	return "fatal: " + f.Message
}

// That panics with a *Failure when cond is false
func That(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Fail logs the message at critical level and panics with a *Failure
func Fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&Failure{Message: msg})
}

// Recover converts a *Failure panic into a value; any other panic is
// re-raised. It is meant for tests that exercise fatal paths:
//
//	defer assert.Recover(&failure)
func Recover(out **Failure) {
	r := recover()
	if r == nil {
		return
	}
	f, ok := r.(*Failure)
	if !ok {
		panic(r)
	}
	*out = f
}
