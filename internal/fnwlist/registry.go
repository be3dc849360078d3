package fnwlist

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// entry is one whitelisted function identity. The code pointer is the
// identity; the name is kept only for diagnostics.
type entry struct {
	pc   uintptr
	name string
}

var (
	regMu  sync.Mutex
	sealed bool
	lists  [numCategories][]entry
)

// Register adds the given functions to the whitelist for category c. It is
// called from package init functions of the subsystems that own the
// callbacks, so the set of whitelisted functions is fixed by what is compiled
// into the binary. Registering the same function twice is idempotent;
// registering after Seal, registering a nil function, or registering a
// non-function value is a programmer error and panics.
func Register(c Category, fns ...any) {
	regMu.Lock()
	defer regMu.Unlock()
	if sealed {
		panic(fmt.Sprintf("fnwlist: Register(%s) after Seal", c))
	}
	if c < 0 || int(c) >= numCategories {
		panic(fmt.Sprintf("fnwlist: Register with invalid category %d", int(c)))
	}
	for _, fn := range fns {
		pc, ok := funcPC(fn)
		if !ok || pc == 0 {
			panic(fmt.Sprintf("fnwlist: Register(%s) with nil or non-function value", c))
		}
		if member(c, pc) {
			continue
		}
		lists[c] = append(lists[c], entry{pc: pc, name: funcName(pc)})
	}
}

// Seal freezes the registry. Any later Register call panics. Checks performed
// after Seal are pure reads and need no coordination between goroutines.
func Seal() {
	regMu.Lock()
	defer regMu.Unlock()
	sealed = true
}

// Validate reports an error naming every category that has no registered
// implementation. The application runs it at startup, before serving: an
// empty category means a callback role exists in the code without its
// whitelist being populated, which would make every dispatch in that role
// fatal.
func Validate() error {
	regMu.Lock()
	defer regMu.Unlock()
	var empty []string
	for c := 0; c < numCategories; c++ {
		if len(lists[c]) == 0 {
			empty = append(empty, Category(c).String())
		}
	}
	if len(empty) > 0 {
		return fmt.Errorf("function whitelist has no entries for: %s", strings.Join(empty, ", "))
	}
	return nil
}

// member reports whether pc is registered for c. The lists are small (a
// handful of entries per category), so a linear scan is the whole lookup.
func member(c Category, pc uintptr) bool {
	if c < 0 || int(c) >= numCategories || pc == 0 {
		return false
	}
	for _, e := range lists[c] {
		if e.pc == pc {
			return true
		}
	}
	return false
}

// funcPC resolves a function value to its code pointer. A nil function value
// (typed or untyped) yields (0, true); a non-function yields ok=false.
func funcPC(fn any) (pc uintptr, ok bool) {
	if fn == nil {
		return 0, true
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return 0, false
	}
	if v.IsNil() {
		return 0, true
	}
	return v.Pointer(), true
}

// funcName resolves a code pointer to a symbol name for diagnostics.
func funcName(pc uintptr) string {
	if f := runtime.FuncForPC(pc); f != nil {
		return f.Name()
	}
	return "unknown"
}

// reset clears the registry. Test helper only.
func reset() {
	regMu.Lock()
	defer regMu.Unlock()
	sealed = false
	for c := range lists {
		lists[c] = nil
	}
}
