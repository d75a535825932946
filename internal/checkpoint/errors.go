package checkpoint

import "errors"

// ErrNotFound is returned by Restore for an unknown checkpoint ID.
var ErrNotFound = errors.New("checkpoint not found")
