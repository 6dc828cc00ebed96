package fluxaid

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	TimestampBits    = 41
	DatacenterIDBits = 5
	WorkerIDBits     = 5
	SequenceBits     = 12

	MaxDatacenterID = 1<<DatacenterIDBits - 1
	MaxWorkerID     = 1<<WorkerIDBits - 1
	MaxSequence     = 1<<SequenceBits - 1
	MaxTimestamp    = 1<<TimestampBits - 1

	WorkerIDShift     = SequenceBits
	DatacenterIDShift = SequenceBits + WorkerIDBits
	TimestampShift    = SequenceBits + WorkerIDBits + DatacenterIDBits

	// DefaultEpoch is 2020-01-01T00:00:00Z in unix milliseconds. Changing it
	// for existing data breaks ordering against already stored ids.
	DefaultEpoch int64 = 1577836800000

	DefaultMaxBackward = 5 * time.Millisecond
	DefaultMaxSpinWait = time.Second

	spinInterval = time.Millisecond / 8
)

// Clock returns wall clock time in unix milliseconds.
type Clock interface {
	Now() int64
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() int64 {
	return time.Now().UnixMilli()
}

func (systemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

type IDGeneratorOptions struct {
	// NodeIdentity is authoritative when set.
	NodeIdentity *NodeIdentity
	// Provider is used when NodeIdentity is nil.
	Provider    NodeIdentityProvider
	HostAddress string
	HostSource  HostIdentitySource
	Epoch       int64
	MaxBackward time.Duration
	MaxSpinWait time.Duration
	// FixedSequenceStart starts every millisecond at sequence 0 instead of a
	// random 1 or 2.
	FixedSequenceStart bool
	Clock              Clock
	Logger             LogHandler
	metrics            *metricsRegistry
	fence              *leaseFence
}

// Snowflake produces 64 bit ids: 41 bits of milliseconds since epoch, 5 bits
// datacenter, 5 bits worker and 12 bits of sequence. Ids returned by one
// instance are strictly increasing in call order.
type Snowflake struct {
	identity           NodeIdentity
	epoch              int64
	maxBackward        time.Duration
	maxSpinWait        time.Duration
	fixedSequenceStart bool
	clock              Clock
	logger             LogHandler
	metrics            *metricsRegistry
	fence              *leaseFence
	nodeBits           uint64

	mutex         sync.Mutex
	lastTimestamp int64
	sequence      uint64
}

func NewSnowflake(identity NodeIdentity, options *IDGeneratorOptions) (*Snowflake, error) {
	if options == nil {
		options = &IDGeneratorOptions{}
	}
	if _, err := ResolveFromConfig(int(identity.datacenterID), int(identity.workerID)); err != nil {
		return nil, err
	}
	s := &Snowflake{
		identity:           identity,
		epoch:              options.Epoch,
		maxBackward:        options.MaxBackward,
		maxSpinWait:        options.MaxSpinWait,
		fixedSequenceStart: options.FixedSequenceStart,
		clock:              options.Clock,
		logger:             options.Logger,
		metrics:            options.metrics,
		fence:              options.fence,
		lastTimestamp:      -1,
	}
	if s.epoch == 0 {
		s.epoch = DefaultEpoch
	}
	if s.epoch < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "epoch %d is negative", s.epoch)
	}
	if s.maxBackward <= 0 {
		s.maxBackward = DefaultMaxBackward
	}
	if s.maxSpinWait <= 0 {
		s.maxSpinWait = DefaultMaxSpinWait
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	s.nodeBits = uint64(identity.datacenterID)<<DatacenterIDShift | uint64(identity.workerID)<<WorkerIDShift
	return s, nil
}

func (s *Snowflake) NodeIdentity() NodeIdentity {
	return s.identity
}

func (s *Snowflake) Epoch() int64 {
	return s.epoch
}

// NextID returns the next id. It fails with *ClockMovedBackwardError when the
// clock regressed beyond MaxBackward, or did not recover after waiting twice
// the regression, and with ErrNodeLeaseLost while the node lease is lost.
func (s *Snowflake) NextID() (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.fence.check(s.identity); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	if now < s.lastTimestamp {
		var err error
		now, err = s.waitForClock(now)
		if err != nil {
			return 0, err
		}
	}
	if now == s.lastTimestamp {
		s.sequence = (s.sequence + 1) & MaxSequence
		if s.sequence == 0 {
			var err error
			now, err = s.tilNextMillis()
			if err != nil {
				// keep the millisecond exhausted for the next caller
				s.sequence = MaxSequence
				return 0, err
			}
		}
	} else {
		s.sequence = s.sequenceStart()
	}
	elapsed := now - s.epoch
	if elapsed < 0 || elapsed > MaxTimestamp {
		return 0, errors.Wrapf(ErrTimestampOverflow, "now %d, epoch %d", now, s.epoch)
	}
	s.lastTimestamp = now
	if s.metrics != nil {
		s.metrics.idsGenerated.WithLabelValues(s.identity.source).Inc()
	}
	return uint64(elapsed)<<TimestampShift | s.nodeBits | s.sequence, nil
}

func (s *Snowflake) NextIDAsString() (string, error) {
	id, err := s.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

// NextIDFor returns a primary key value matching the kind of the key field:
// a decimal string for textual keys, the numeric id otherwise.
func (s *Snowflake) NextIDFor(kind reflect.Kind) (any, error) {
	switch kind {
	case reflect.String:
		return s.NextIDAsString()
	case reflect.Int64, reflect.Int:
		id, err := s.NextID()
		if err != nil {
			return nil, err
		}
		return int64(id), nil
	case reflect.Uint64, reflect.Uint:
		return s.NextID()
	default:
		return nil, fmt.Errorf("kind %s can't hold 64 bit id", kind)
	}
}

// ParseTimestamp returns the creation time embedded in id using this
// generator's epoch.
func (s *Snowflake) ParseTimestamp(id uint64) time.Time {
	return ParseTimestampWithEpoch(id, s.epoch)
}

func (s *Snowflake) waitForClock(now int64) (int64, error) {
	offset := time.Duration(s.lastTimestamp-now) * time.Millisecond
	if offset > s.maxBackward {
		s.observeClockBackward("rejected")
		err := &ClockMovedBackwardError{LastTimestamp: s.lastTimestamp, Now: now, Offset: offset}
		logEvent(s.logger, "CLOCK BACKWARD", "clock regression above tolerance", err)
		return 0, err
	}
	wait := 2 * offset
	logEvent(s.logger, "CLOCK BACKWARD", fmt.Sprintf("clock moved backwards by %s, waiting %s", offset, wait), nil)
	s.clock.Sleep(wait)
	now = s.clock.Now()
	if now < s.lastTimestamp {
		s.observeClockBackward("rejected")
		err := &ClockMovedBackwardError{LastTimestamp: s.lastTimestamp, Now: now, Offset: offset, Waited: wait}
		logEvent(s.logger, "CLOCK BACKWARD", "clock still behind after waiting", err)
		return 0, err
	}
	s.observeClockBackward("recovered")
	return now, nil
}

// tilNextMillis waits for the clock to pass lastTimestamp once the sequence of
// the current millisecond is exhausted.
func (s *Snowflake) tilNextMillis() (int64, error) {
	if s.metrics != nil {
		s.metrics.sequenceExhausted.Inc()
	}
	waited := time.Duration(0)
	now := s.clock.Now()
	for now <= s.lastTimestamp {
		if waited >= s.maxSpinWait {
			return 0, errors.Wrapf(ErrClockStalled, "waited %s at %d", waited, s.lastTimestamp)
		}
		s.clock.Sleep(spinInterval)
		waited += spinInterval
		now = s.clock.Now()
	}
	return now, nil
}

func (s *Snowflake) sequenceStart() uint64 {
	if s.fixedSequenceStart {
		return 0
	}
	return uint64(rand.IntN(2)) + 1
}

func (s *Snowflake) observeClockBackward(outcome string) {
	if s.metrics != nil {
		s.metrics.clockBackward.WithLabelValues(outcome).Inc()
	}
}
