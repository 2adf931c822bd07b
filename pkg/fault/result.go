package fault

// Result carries either a value or an error. Channels use it where a
// (value, error) pair cannot be returned directly.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps an error
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// IsOk reports whether the result holds a value
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// Unwrap splits the result into the conventional pair
func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}
