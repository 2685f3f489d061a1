package gpu

import "github.com/cockroachdb/errors"

// ErrFenceTimeout is returned from Fence.Wait when the timeout elapses before the fence signals
var ErrFenceTimeout = errors.New("timed out waiting for fence")

// ErrQueueRoleUnsupported is returned when work is submitted to a queue whose role cannot execute it,
// or when a device does not expose a queue for a role
var ErrQueueRoleUnsupported = errors.New("queue role does not support this operation")
