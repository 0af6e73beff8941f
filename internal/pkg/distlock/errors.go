package distlock

import "errors"

// ErrNotHeld is returned by Extend when the caller no longer owns the lock.
var ErrNotHeld = errors.New("lock not held")
