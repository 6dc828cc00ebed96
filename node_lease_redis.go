package fluxaid

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack"
)

const redisNodeLeasePrefix = "fluxaid:node"
const redisNodeLeaseRecords = "fluxaid:nodes"

type redisNodeLeaseProvider struct {
	pool string
	ttl  time.Duration
}

// NewRedisNodeLeaseProvider leases node slots as redislock keys in pool.
// A ttl below one millisecond falls back to 30 seconds.
func NewRedisNodeLeaseProvider(pool string, ttl time.Duration) NodeLeaseProvider {
	return &redisNodeLeaseProvider{pool: pool, ttl: nodeLeaseTTL(ttl)}
}

func (p *redisNodeLeaseProvider) Name() string {
	return "redis:" + p.pool
}

func (p *redisNodeLeaseProvider) redis(ctx Context) (RedisCache, error) {
	r := ctx.Engine().Redis(p.pool)
	if r == nil {
		return nil, errors.Errorf("redis pool '%s' is not registered", p.pool)
	}
	return r, nil
}

func (p *redisNodeLeaseProvider) Acquire(ctx Context, preferred NodeIdentity) (NodeLease, error) {
	r, err := p.redis(ctx)
	if err != nil {
		return nil, err
	}
	locker := r.GetLocker()
	owner := uuid.NewString()
	for i := 0; i < nodeSlots; i++ {
		identity := nodeIdentityFromSlot(preferred.slot()+i, NodeIdentitySourceRedis)
		key := redisNodeLeaseKey(identity)
		lock, obtained, err := locker.Obtain(ctx, key, p.ttl, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "leasing node slot %s", key)
		}
		if !obtained {
			continue
		}
		record := newNodeLeaseRecord(identity, owner)
		encoded, err := msgpack.Marshal(record)
		if err == nil {
			err = r.HSet(ctx, redisNodeLeaseRecords, key, string(encoded))
		}
		if err != nil {
			_ = lock.Release(ctx)
			return nil, errors.Wrapf(err, "storing node lease record %s", key)
		}
		return &redisNodeLease{identity: identity, record: record, lock: lock, redis: r, ttl: p.ttl, keeper: newLeaseKeeper()}, nil
	}
	return nil, ErrNoFreeNodeSlot
}

// Leases lists records of live leases, dropping records whose lock expired.
func (p *redisNodeLeaseProvider) Leases(ctx Context) ([]NodeLeaseRecord, error) {
	r, err := p.redis(ctx)
	if err != nil {
		return nil, err
	}
	all, err := r.HGetAll(ctx, redisNodeLeaseRecords)
	if err != nil {
		return nil, err
	}
	records := make([]NodeLeaseRecord, 0, len(all))
	for key, value := range all {
		_, has, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !has {
			_ = r.HDel(ctx, redisNodeLeaseRecords, key)
			continue
		}
		var record NodeLeaseRecord
		if err = msgpack.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.Wrapf(err, "invalid node lease record %s", key)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].slot() < records[j].slot()
	})
	return records, nil
}

func redisNodeLeaseKey(identity NodeIdentity) string {
	return fmt.Sprintf("%s:%d:%d", redisNodeLeasePrefix, identity.DatacenterID(), identity.WorkerID())
}

type redisNodeLease struct {
	identity NodeIdentity
	record   NodeLeaseRecord
	redis    RedisCache
	ttl      time.Duration
	keeper   *leaseKeeper
	mutex    sync.Mutex
	lock     *Lock
}

func (l *redisNodeLease) Identity() NodeIdentity {
	return l.identity
}

func (l *redisNodeLease) Record() NodeLeaseRecord {
	return l.record
}

func (l *redisNodeLease) currentLock() *Lock {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lock
}

func (l *redisNodeLease) Refresh(ctx Context) (bool, error) {
	return l.currentLock().Refresh(ctx, l.ttl)
}

func (l *redisNodeLease) Reclaim(ctx Context) (bool, error) {
	key := redisNodeLeaseKey(l.identity)
	lock, obtained, err := l.redis.GetLocker().Obtain(ctx, key, l.ttl, 0)
	if err != nil || !obtained {
		return false, err
	}
	encoded, err := msgpack.Marshal(l.record)
	if err == nil {
		err = l.redis.HSet(ctx, redisNodeLeaseRecords, key, string(encoded))
	}
	if err != nil {
		_ = lock.Release(ctx)
		return false, err
	}
	l.mutex.Lock()
	l.lock = lock
	l.mutex.Unlock()
	return true, nil
}

func (l *redisNodeLease) Release(ctx Context) error {
	l.keeper.close()
	lock := l.currentLock()
	if err := lock.Release(ctx); err != nil {
		return err
	}
	return l.redis.HDel(ctx, redisNodeLeaseRecords, lock.Key())
}

func (l *redisNodeLease) KeepAlive(ctx Context, interval time.Duration) {
	l.keeper.run(ctx, l, interval)
}

func (l *redisNodeLease) Notify(handler func(held bool)) {
	l.keeper.notify(handler)
}
