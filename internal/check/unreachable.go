package check

import "fmt"

// Unreachable panics in every build. Use it as the default arm of a switch
// over a closed enum, where reaching it means a new variant was added without
// a handler.
func Unreachable(format string, args ...any) {
	panic("unreachable: " + fmt.Sprintf(format, args...))
}
