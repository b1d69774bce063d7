package jobid

import "errors"

var (
	// ErrConfiguration reports an unknown strategy, an empty owning class, or a
	// keyed template that names a field missing from the arguments.
	ErrConfiguration = errors.New("jobid: configuration error")
	// ErrSerialization reports arguments that cannot be rendered canonically.
	ErrSerialization = errors.New("jobid: argument not serializable")
	// ErrKeyTooLong reports a key longer than MaxKeyLength bytes.
	ErrKeyTooLong = errors.New("jobid: key too long")
)
