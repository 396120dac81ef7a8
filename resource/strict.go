//go:build exthostdebug

package resource

// Debug builds turn refcount misuse into a panic at the offending call site.
const strict = true

func misuse(err error) error {
	panic(err)
}
