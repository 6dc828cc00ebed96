package fluxaid

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRedisNodeLease(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	testNodeLease(t, orm, NewRedisNodeLeaseProvider(DefaultPoolCode, 5*time.Second), NodeIdentitySourceRedis)
}

func TestMySQLNodeLease(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	_, err := orm.Engine().DB(DefaultPoolCode).Exec(orm, "DROP TABLE IF EXISTS `"+mysqlNodeLeaseTable+"`")
	assert.NoError(t, err)
	testNodeLease(t, orm, NewMySQLNodeLeaseProvider(DefaultPoolCode, 5*time.Second), NodeIdentitySourceMySQL)
}

func testNodeLease(t *testing.T, orm Context, provider NodeLeaseProvider, source string) {
	preferred, _ := ResolveFromConfig(31, 31)
	first, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	assert.Equal(t, uint8(31), first.Identity().DatacenterID())
	assert.Equal(t, uint8(31), first.Identity().WorkerID())
	assert.Equal(t, source, first.Identity().Source())
	assert.Equal(t, os.Getpid(), first.Record().PID)
	assert.NotEmpty(t, first.Record().Owner)

	second, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	assert.Equal(t, uint8(0), second.Identity().DatacenterID())
	assert.Equal(t, uint8(0), second.Identity().WorkerID())

	records, err := provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, uint8(0), records[0].WorkerID)
	assert.Equal(t, uint8(31), records[1].WorkerID)
	assert.Equal(t, first.Record().Owner, records[1].Owner)
	assert.Equal(t, first.Record().Host, records[1].Host)

	ok, err := first.Refresh(orm)
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, first.Release(orm))
	assert.NoError(t, first.Release(orm))
	ok, err = first.Refresh(orm)
	assert.NoError(t, err)
	assert.False(t, ok)
	records, err = provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 1)

	third, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	assert.Equal(t, preferred.slot(), third.Identity().slot())

	assert.NoError(t, second.Release(orm))
	assert.NoError(t, third.Release(orm))
	records, err = provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestRedisNodeLeaseKeepAlive(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	provider := NewRedisNodeLeaseProvider(DefaultPoolCode, 300*time.Millisecond)
	preferred, _ := ResolveFromConfig(4, 4)
	lease, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		lease.KeepAlive(orm.CloneWithContext(ctx), 50*time.Millisecond)
		close(done)
	}()
	time.Sleep(600 * time.Millisecond)
	other, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	assert.NotEqual(t, preferred.slot(), other.Identity().slot())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "keep alive did not stop")
	}
	assert.NoError(t, other.Release(orm))
	assert.NoError(t, lease.Release(orm))
}

func TestRedisNodeLeaseLost(t *testing.T) {
	registry := NewRegistry()
	provider := NewRedisNodeLeaseProvider(DefaultPoolCode, 5*time.Second)
	registry.RegisterNodeLease(provider, 10*time.Millisecond)
	registry.RegisterIDGenerator(&IDGeneratorOptions{Logger: &MockLogHandler{}})
	orm := PrepareEngine(t, registry)
	_, err := orm.NextID()
	assert.NoError(t, err)
	lease, has := orm.Engine().NodeLease(provider.Name())
	assert.True(t, has)

	r := orm.Engine().Redis(DefaultPoolCode)
	key := redisNodeLeaseKey(lease.Identity())
	assert.NoError(t, r.Set(orm, key, "other owner", time.Minute))
	assert.Eventually(t, func() bool {
		_, err := orm.NextID()
		return errors.Is(err, ErrNodeLeaseLost)
	}, time.Second, 5*time.Millisecond)
	_, err = orm.NextIDAsString()
	assert.ErrorIs(t, err, ErrNodeLeaseLost)

	assert.NoError(t, r.Del(orm, key))
	assert.Eventually(t, func() bool {
		_, err := orm.NextID()
		return err == nil
	}, time.Second, 5*time.Millisecond)
	records, err := provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, lease.Record().Owner, records[0].Owner)
	ok, err := lease.Refresh(orm)
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, orm.Engine().Close(orm))
	records, err = provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestRedisNodeLeaseNotify(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	provider := NewRedisNodeLeaseProvider(DefaultPoolCode, 5*time.Second)
	preferred, _ := ResolveFromConfig(8, 1)
	lease, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	states := make(chan bool, 2)
	lease.Notify(func(held bool) {
		states <- held
	})
	go lease.KeepAlive(orm, 10*time.Millisecond)

	r := orm.Engine().Redis(DefaultPoolCode)
	assert.NoError(t, r.Set(orm, redisNodeLeaseKey(lease.Identity()), "other owner", time.Minute))
	select {
	case held := <-states:
		assert.False(t, held)
	case <-time.After(time.Second):
		assert.Fail(t, "keep alive did not notice lost lease")
	}
	assert.NoError(t, r.Del(orm, redisNodeLeaseKey(lease.Identity())))
	select {
	case held := <-states:
		assert.True(t, held)
	case <-time.After(time.Second):
		assert.Fail(t, "keep alive did not reclaim lease")
	}
	assert.NoError(t, lease.Release(orm))
	assert.False(t, <-states)
	_, has, err := r.Get(orm, redisNodeLeaseKey(lease.Identity()))
	assert.NoError(t, err)
	assert.False(t, has)
}

func TestEngineCloseDuringKeepAlive(t *testing.T) {
	registry := NewRegistry()
	provider := NewRedisNodeLeaseProvider(DefaultPoolCode, 5*time.Second)
	registry.RegisterNodeLease(provider, time.Millisecond)
	registry.RegisterIDGenerator(&IDGeneratorOptions{Logger: &MockLogHandler{}})
	orm := PrepareEngine(t, registry)
	_, err := orm.NextID()
	assert.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, orm.Engine().Close(orm))
	_, has := orm.Engine().NodeLease(provider.Name())
	assert.False(t, has)
	_, err = orm.NextID()
	assert.ErrorIs(t, err, ErrNodeLeaseLost)
	records, err := provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestNodeLeaseDefaultTTL(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	_, err := orm.Engine().DB(DefaultPoolCode).Exec(orm, "DROP TABLE IF EXISTS `"+mysqlNodeLeaseTable+"`")
	assert.NoError(t, err)
	preferred, _ := ResolveFromConfig(2, 3)
	for _, provider := range []NodeLeaseProvider{
		NewRedisNodeLeaseProvider(DefaultPoolCode, 0),
		NewMySQLNodeLeaseProvider(DefaultPoolCode, -time.Second),
	} {
		lease, err := provider.Acquire(orm, preferred)
		assert.NoError(t, err)
		ok, err := lease.Refresh(orm)
		assert.NoError(t, err)
		assert.True(t, ok)
		records, err := provider.Leases(orm)
		assert.NoError(t, err)
		assert.Len(t, records, 1)
		assert.NoError(t, lease.Release(orm))
	}
	assert.Equal(t, 30*time.Second, NewRedisNodeLeaseProvider(DefaultPoolCode, 0).(*redisNodeLeaseProvider).ttl)
	assert.Equal(t, 30*time.Second, NewMySQLNodeLeaseProvider(DefaultPoolCode, 0).(*mysqlNodeLeaseProvider).ttl)
	assert.Equal(t, time.Minute, NewRedisNodeLeaseProvider(DefaultPoolCode, time.Minute).(*redisNodeLeaseProvider).ttl)
}

func TestMySQLNodeLeaseExpired(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	_, err := orm.Engine().DB(DefaultPoolCode).Exec(orm, "DROP TABLE IF EXISTS `"+mysqlNodeLeaseTable+"`")
	assert.NoError(t, err)
	provider := NewMySQLNodeLeaseProvider(DefaultPoolCode, 50*time.Millisecond)
	preferred, _ := ResolveFromConfig(10, 20)
	expired, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	records, err := provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 0)

	taken, err := provider.Acquire(orm, preferred)
	assert.NoError(t, err)
	assert.Equal(t, expired.Identity(), taken.Identity())
	assert.NotEqual(t, expired.Record().Owner, taken.Record().Owner)

	ok, err := expired.Refresh(orm)
	assert.NoError(t, err)
	assert.False(t, ok)
	ok, err = taken.Refresh(orm)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = expired.Reclaim(orm)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, taken.Release(orm))
	ok, err = expired.Reclaim(orm)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = expired.Refresh(orm)
	assert.NoError(t, err)
	assert.True(t, ok)
	records, err = provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, expired.Record().Owner, records[0].Owner)
	assert.NoError(t, expired.Release(orm))
}

func TestMySQLNodeLeaseMissingPool(t *testing.T) {
	orm := PrepareEngine(t, NewRegistry())
	preferred, _ := ResolveFromConfig(1, 1)
	_, err := NewMySQLNodeLeaseProvider("missing", time.Second).Acquire(orm, preferred)
	assert.EqualError(t, err, "mysql pool 'missing' is not registered")
	_, err = NewRedisNodeLeaseProvider("missing", time.Second).Acquire(orm, preferred)
	assert.EqualError(t, err, "redis pool 'missing' is not registered")
}

func TestEngineNodeLease(t *testing.T) {
	registry := NewRegistry()
	provider := NewRedisNodeLeaseProvider(DefaultPoolCode, 10*time.Second)
	registry.RegisterNodeLease(provider, time.Second)
	registry.RegisterIDGenerator(&IDGeneratorOptions{Logger: &MockLogHandler{}})
	orm := PrepareEngine(t, registry)

	_, has := orm.Engine().NodeLease(provider.Name())
	assert.False(t, has)
	id, err := orm.NextID()
	assert.NoError(t, err)
	lease, has := orm.Engine().NodeLease(provider.Name())
	assert.True(t, has)
	generator, err := orm.Engine().IDGenerator()
	assert.NoError(t, err)
	assert.Equal(t, lease.Identity(), generator.NodeIdentity())
	assert.Equal(t, NodeIdentitySourceRedis, generator.NodeIdentity().Source())
	parts := Decompose(id, DefaultEpoch)
	assert.Equal(t, lease.Identity().DatacenterID(), parts.DatacenterID)
	assert.Equal(t, lease.Identity().WorkerID(), parts.WorkerID)

	records, err := provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 1)

	assert.NoError(t, orm.Engine().Close(orm))
	_, has = orm.Engine().NodeLease(provider.Name())
	assert.False(t, has)
	records, err = provider.Leases(orm)
	assert.NoError(t, err)
	assert.Len(t, records, 0)
	ResetIDGenerator()
}
