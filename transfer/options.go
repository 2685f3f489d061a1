package transfer

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

var (
	// ErrTransferTimeout is returned when a transfer's fence does not signal before the timeout. The
	// transfer stays submitted and may be waited on again.
	ErrTransferTimeout = errors.New("timed out waiting for transfer")
	// ErrStagingInFlight is returned when staging memory is written or released while the device may
	// still be reading from it
	ErrStagingInFlight = errors.New("staging memory is still in use by the device")
	// ErrStagingExhausted is returned from Begin when every staging slot belongs to a transfer that has
	// not completed
	ErrStagingExhausted = errors.New("no staging memory is available")
	// ErrInvalidState is returned when a transfer operation is called in the wrong phase
	ErrInvalidState = errors.New("transfer is in the wrong state for this operation")
)

// EngineFlags indicate specific engine behaviors to activate or deactivate
type EngineFlags int32

var engineFlagsMapping = common.NewFlagStringMapping[EngineFlags]()

func (f EngineFlags) Register(str string) {
	engineFlagsMapping.Register(f, str)
}
func (f EngineFlags) String() string {
	return engineFlagsMapping.FlagsToString(f)
}

const (
	// EngineExternallySynchronized disables the engine's internal mutex. The consumer must guarantee
	// the engine and its transfers are used from one thread at a time.
	EngineExternallySynchronized EngineFlags = 1 << iota
	// EnginePreferGraphicsQueue submits to the graphics queue even when a dedicated transfer queue is
	// available
	EnginePreferGraphicsQueue
)

func init() {
	EngineExternallySynchronized.Register("EngineExternallySynchronized")
	EnginePreferGraphicsQueue.Register("EnginePreferGraphicsQueue")
}

const (
	DefaultStagingSize  = 1 << 20
	DefaultStagingSlots = 4
	DefaultTimeout      = 5 * time.Second
)

// Options contains optional settings when creating an engine. It is valid to leave every field blank.
type Options struct {
	Flags EngineFlags
	// StagingSize is the size in bytes of each slot in the staging ring. Transfers that need more
	// staging than this receive a dedicated staging block that is freed when they complete.
	StagingSize int
	// StagingSlots is the number of transfers that can hold ring staging at the same time
	StagingSlots int
	// DefaultTimeout is used by the engine's blocking helpers, Read and Destroy
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.StagingSize <= 0 {
		o.StagingSize = DefaultStagingSize
	}
	if o.StagingSlots <= 0 {
		o.StagingSlots = DefaultStagingSlots
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	return o
}

// State is the phase of a transfer
type State int32

const (
	// StateBuilding accepts staging writes and copy operations
	StateBuilding State = iota
	// StateRecorded has a command buffer holding the transfer's barriers and copies
	StateRecorded
	// StateSubmitted has been submitted to a queue and may still be executing
	StateSubmitted
	// StateCompleted has finished executing and released its staging memory
	StateCompleted
	// StateFailed could not be recorded or submitted. Nothing it recorded reached the device.
	StateFailed
)

var stateMapping = map[State]string{
	StateBuilding:  "Building",
	StateRecorded:  "Recorded",
	StateSubmitted: "Submitted",
	StateCompleted: "Completed",
	StateFailed:    "Failed",
}

func (s State) String() string {
	str, ok := stateMapping[s]
	if !ok {
		return "unknown State"
	}
	return str
}
