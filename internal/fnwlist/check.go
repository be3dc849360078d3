package fnwlist

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Whitelisted reports whether fn is one of the registered implementations
// for category c. Identity comparison only: a nil value, an unregistered
// function, or a function registered under a different category all yield
// false. The check is a pure read and never mutates the registry.
func Whitelisted(c Category, fn any) bool {
	pc, ok := funcPC(fn)
	if !ok {
		return false
	}
	return member(c, pc)
}

// Checker binds category c to the callback signature F and returns the
// membership predicate for that category. Subsystems bind one checker per
// stored callback type at package scope, so a pointer of the wrong signature
// cannot be handed to the wrong category's check.
func Checker[F any](c Category) func(F) bool {
	return func(fn F) bool {
		return Whitelisted(c, fn)
	}
}

// Check verifies fn against category c and escalates on a mismatch. It is
// the mandatory guard at every site that is about to call through a stored
// function value: a passing check returns and the caller proceeds to the
// call; a failing check reports the call site and terminates the process,
// strictly before the unverified value could be invoked. It is never
// compiled out or downgraded by log level.
func Check(c Category, fn any) {
	pc, ok := funcPC(fn)
	if ok && member(c, pc) {
		return
	}
	violation(c, pc)
}

// exitProcess is the terminal action of a failed check. Tests replace it
// with a hook that panics instead, so the non-return contract stays
// observable without killing the test binary.
var exitProcess = func() {
	os.Exit(1)
}

// violation reports a whitelist mismatch and terminates. The candidate may
// be memory that was never a function at all, so nothing beyond logging the
// diagnostic runs afterwards: the process state is not trusted.
func violation(c Category, pc uintptr) {
	site := "unknown"
	caller := "unknown"
	if cpc, file, line, ok := runtime.Caller(2); ok {
		site = fmt.Sprintf("%s:%d", file, line)
		caller = funcName(cpc)
	}
	candidate := "nil"
	if pc != 0 {
		candidate = fmt.Sprintf("%#x (%s)", pc, funcName(pc))
	}
	slog.Error("function whitelist check failed, terminating",
		"category", c.String(),
		"site", site,
		"func", caller,
		"candidate", candidate,
	)
	exitProcess()
	// Reached only when a test hook returned instead of exiting. Control
	// must still never flow back to the call site.
	panic(fmt.Sprintf("fnwlist: %s whitelist violation at %s", c, site))
}
