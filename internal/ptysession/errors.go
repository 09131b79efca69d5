package ptysession

import "errors"

// Error kinds named in spec.md §4.2/§7. Distinct from a normal child exit,
// which is never an error — it is carried as an ExitReason on Event.
var (
	ErrPtyAllocationFailed = errors.New("pty allocation failed")
	ErrSpawnFailed         = errors.New("spawn failed")
	ErrInputBackpressure   = errors.New("input backpressure")
)
