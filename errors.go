package fluxaid

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConfiguration          = errors.New("invalid id generator configuration")
	ErrClockMovedBackward     = errors.New("clock moved backwards")
	ErrClockStalled           = errors.New("clock did not advance to the next millisecond")
	ErrTimestampOverflow      = errors.New("timestamp does not fit into 41 bits since epoch")
	ErrIDGeneratorInitialized = errors.New("id generator is already initialized")
	ErrNoFreeNodeSlot         = errors.New("all datacenter and worker slots are leased")
	ErrNodeLeaseLost          = errors.New("node lease lost, id generation is stopped until it is reclaimed")
)

// ConfigurationError is returned when a datacenter or worker id is out of the
// [0, 31] range. No generator is constructed in that case.
type ConfigurationError struct {
	Field string
	Value int
	Max   int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %d out of range [0, %d]", e.Field, e.Value, e.Max)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ClockMovedBackwardError is returned by NextID when the clock regressed
// further than the tolerated bound, or did not catch up after waiting.
type ClockMovedBackwardError struct {
	LastTimestamp int64
	Now           int64
	Offset        time.Duration
	Waited        time.Duration
}

func (e *ClockMovedBackwardError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("clock moved backwards by %s, still behind after waiting %s (last %d, now %d)",
			e.Offset, e.Waited, e.LastTimestamp, e.Now)
	}
	return fmt.Sprintf("clock moved backwards by %s, refusing to generate id (last %d, now %d)",
		e.Offset, e.LastTimestamp, e.Now)
}

func (e *ClockMovedBackwardError) Is(target error) bool {
	return target == ErrClockMovedBackward
}
