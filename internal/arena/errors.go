package arena

import "errors"

// ErrExhausted is returned when an allocator reaches its configured limit.
var ErrExhausted = errors.New("arena: allocator exhausted")
