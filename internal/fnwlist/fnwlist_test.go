package fnwlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Named top-level functions so each has a distinct, stable code pointer.
func cmpA(a, b any) int { return 0 }
func cmpB(a, b any) int { return 1 }

func initA(arg any) error { return nil }
func initB(arg any) error { return nil }
func initC(arg any) error { return nil }

func timerFn(arg any)           {}
func signalFn(sig int, arg any) {}

func TestWhitelisted(t *testing.T) {
	t.Run("single entry tree comparator", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)

		assert.True(t, Whitelisted(TreeCmp, cmpA))
		assert.False(t, Whitelisted(TreeCmp, cmpB))
	})

	t.Run("two module init implementations", func(t *testing.T) {
		reset()
		Register(ModInit, initA, initB)

		assert.True(t, Whitelisted(ModInit, initA))
		assert.True(t, Whitelisted(ModInit, initB))
		assert.False(t, Whitelisted(ModInit, initC))
		assert.False(t, Whitelisted(ModInit, nil))

		var nilInit func(any) error
		assert.False(t, Whitelisted(ModInit, nilInit))
	})

	t.Run("category isolation", func(t *testing.T) {
		reset()
		Register(CommTimer, timerFn)
		Register(CommSignal, signalFn)

		// timerFn is a perfectly valid function, just not for this role.
		assert.True(t, Whitelisted(CommTimer, timerFn))
		assert.False(t, Whitelisted(CommSignal, timerFn))
		assert.False(t, Whitelisted(CommTimer, signalFn))
	})

	t.Run("non-function candidate", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)
		assert.False(t, Whitelisted(TreeCmp, 42))
		assert.False(t, Whitelisted(TreeCmp, "cmpA"))
	})

	t.Run("checks are pure and repeatable", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)
		for i := 0; i < 3; i++ {
			assert.True(t, Whitelisted(TreeCmp, cmpA))
			assert.False(t, Whitelisted(TreeCmp, cmpB))
		}
		// A rejected check leaves no trace in the registry.
		assert.Len(t, lists[TreeCmp], 1)
	})
}

func TestChecker(t *testing.T) {
	reset()
	Register(CommTimer, timerFn)

	timerOK := Checker[func(any)](CommTimer)
	assert.True(t, timerOK(timerFn))
	assert.False(t, timerOK(func(any) {}))
	assert.False(t, timerOK(nil))
}

func TestRegister(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)
		Register(TreeCmp, cmpA)
		assert.Len(t, lists[TreeCmp], 1)
	})

	t.Run("nil panics", func(t *testing.T) {
		reset()
		assert.Panics(t, func() { Register(TreeCmp, nil) })
	})

	t.Run("non-function panics", func(t *testing.T) {
		reset()
		assert.Panics(t, func() { Register(TreeCmp, "not a function") })
	})

	t.Run("after seal panics", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)
		Seal()
		assert.Panics(t, func() { Register(TreeCmp, cmpB) })
		// The sealed registry still answers checks.
		assert.True(t, Whitelisted(TreeCmp, cmpA))
	})
}

func TestValidate(t *testing.T) {
	t.Run("empty categories are named", func(t *testing.T) {
		reset()
		Register(TreeCmp, cmpA)

		err := Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mod_init")
		assert.NotContains(t, err.Error(), "tree_cmp")
	})

	t.Run("fully populated registry passes", func(t *testing.T) {
		reset()
		for c := 0; c < numCategories; c++ {
			Register(Category(c), cmpA)
		}
		require.NoError(t, Validate())
	})
}

func TestCheckEscalation(t *testing.T) {
	t.Run("match returns", func(t *testing.T) {
		reset()
		Register(CommTimer, timerFn)
		assert.NotPanics(t, func() { Check(CommTimer, timerFn) })
	})

	t.Run("mismatch terminates before the call site resumes", func(t *testing.T) {
		reset()
		Register(CommTimer, timerFn)

		exited := false
		prev := exitProcess
		exitProcess = func() { exited = true }
		defer func() { exitProcess = prev }()

		reached := false
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r, "escalation must not return control")
				assert.Contains(t, r.(string), "comm_signal")
			}()
			Check(CommSignal, timerFn)
			reached = true // must never execute
		}()

		assert.True(t, exited, "termination hook must fire")
		assert.False(t, reached, "no instruction may run after a failed check")
	})

	t.Run("nil candidate escalates", func(t *testing.T) {
		reset()
		Register(CommTimer, timerFn)

		prev := exitProcess
		exitProcess = func() {}
		defer func() { exitProcess = prev }()

		assert.Panics(t, func() { Check(CommTimer, nil) })
	})
}
