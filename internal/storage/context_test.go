package storage

import "context"

// ctx returns a background context for use in _test.go files across this
// package, mirroring the teacher's own test helper of the same name.
func ctx() context.Context {
	return context.Background()
}
