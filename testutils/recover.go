package testutils

import "github.com/cockroachdb/errors"

// CatchPanic runs f and returns the value it panicked with, or nil.
func CatchPanic(f func()) (v interface{}) {
	defer func() {
		v = recover()
	}()
	f()
	return nil
}

// PanicError is CatchPanic for functions expected to panic with an error.
func PanicError(f func()) error {
	v := CatchPanic(f)
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return errors.Newf("panic: %v", v)
}
