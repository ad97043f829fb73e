package retry

import "errors"

// ErrMaxRetriesExceeded wraps the last attempt error once the retry
// budget is spent. Callers route exhausted operations to the dead
// letter queue by matching this sentinel.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")
