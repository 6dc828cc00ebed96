package fluxaid

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const nodeSlots = 1 << (DatacenterIDBits + WorkerIDBits)

const defaultNodeLeaseTTL = 30 * time.Second

func nodeLeaseTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return defaultNodeLeaseTTL
	}
	return ttl
}

// NodeLease is an exclusive claim on one (datacenter, worker) pair shared by
// all processes using the same lease storage.
type NodeLease interface {
	Identity() NodeIdentity
	Record() NodeLeaseRecord
	Refresh(ctx Context) (bool, error)
	// Reclaim takes the same slot again after the lease was lost. It returns
	// false while another owner holds it.
	Reclaim(ctx Context) (bool, error)
	Release(ctx Context) error
	// KeepAlive refreshes the lease every interval until ctx is done or the
	// lease is released. A lost lease is reclaimed on the following ticks.
	KeepAlive(ctx Context, interval time.Duration)
	// Notify registers handler called with false when the lease is lost or
	// released and with true once KeepAlive reclaims it. Call it before KeepAlive.
	Notify(handler func(held bool))
}

type NodeLeaseProvider interface {
	Name() string
	// Acquire claims the first free slot, starting with preferred.
	Acquire(ctx Context, preferred NodeIdentity) (NodeLease, error)
	Leases(ctx Context) ([]NodeLeaseRecord, error)
}

type NodeLeaseRecord struct {
	DatacenterID uint8  `json:"datacenterId" msgpack:"datacenterId"`
	WorkerID     uint8  `json:"workerId" msgpack:"workerId"`
	Owner        string `json:"owner" msgpack:"owner"`
	Host         string `json:"host" msgpack:"host"`
	PID          int    `json:"pid" msgpack:"pid"`
	AcquiredAt   int64  `json:"acquiredAt" msgpack:"acquiredAt"`
}

func newNodeLeaseRecord(identity NodeIdentity, owner string) NodeLeaseRecord {
	host, _ := os.Hostname()
	return NodeLeaseRecord{
		DatacenterID: identity.DatacenterID(),
		WorkerID:     identity.WorkerID(),
		Owner:        owner,
		Host:         host,
		PID:          os.Getpid(),
		AcquiredAt:   time.Now().UnixMilli(),
	}
}

func (r NodeLeaseRecord) slot() int {
	return int(r.DatacenterID)<<WorkerIDBits | int(r.WorkerID)
}

type leaseKeeper struct {
	mutex   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	handler func(held bool)
}

func newLeaseKeeper() *leaseKeeper {
	return &leaseKeeper{stop: make(chan struct{})}
}

func (k *leaseKeeper) notify(handler func(held bool)) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	k.handler = handler
}

func (k *leaseKeeper) start() (chan struct{}, func(held bool), bool) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	if k.stopped || k.done != nil {
		return nil, nil, false
	}
	k.done = make(chan struct{})
	return k.done, k.handler, true
}

// close stops the keep-alive loop, waits until it returns and reports the
// lease as no longer held.
func (k *leaseKeeper) close() {
	k.mutex.Lock()
	closing := !k.stopped
	if closing {
		k.stopped = true
		close(k.stop)
	}
	done := k.done
	handler := k.handler
	k.mutex.Unlock()
	if done != nil {
		<-done
	}
	if closing && handler != nil {
		handler(false)
	}
}

func (k *leaseKeeper) run(ctx Context, lease NodeLease, interval time.Duration) {
	done, handler, started := k.start()
	if !started {
		return
	}
	defer close(done)
	logger := ctx.Engine().Registry().getDefaultQueryLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lost := false
	for {
		select {
		case <-ctx.Context().Done():
			return
		case <-k.stop:
			return
		case <-ticker.C:
			if lost {
				ok, err := lease.Reclaim(ctx)
				if err != nil {
					logEvent(logger, "NODE LEASE", "reclaim failed for "+lease.Identity().String(), err)
					continue
				}
				if ok {
					lost = false
					logEvent(logger, "NODE LEASE", "lease reclaimed for "+lease.Identity().String(), nil)
					if handler != nil {
						handler(true)
					}
				}
				continue
			}
			ok, err := lease.Refresh(ctx)
			if err != nil {
				logEvent(logger, "NODE LEASE", "refresh failed for "+lease.Identity().String(), err)
				continue
			}
			if !ok {
				lost = true
				logEvent(logger, "NODE LEASE", "lease lost for "+lease.Identity().String()+", id generation stopped", ErrNodeLeaseLost)
				if handler != nil {
					handler(false)
				}
			}
		}
	}
}

// leaseFence blocks the generator while the node lease backing its identity
// is lost, so another holder of the slot can never produce the same ids.
type leaseFence struct {
	lost atomic.Bool
}

func (f *leaseFence) set(held bool) {
	f.lost.Store(!held)
}

func (f *leaseFence) check(identity NodeIdentity) error {
	if f != nil && f.lost.Load() {
		return errors.Wrapf(ErrNodeLeaseLost, "node %s", identity)
	}
	return nil
}
