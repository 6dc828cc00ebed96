package fluxaid

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeHostSource struct {
	mac net.HardwareAddr
	err error
	pid int
}

func (f *fakeHostSource) HardwareAddr() (net.HardwareAddr, error) {
	return f.mac, f.err
}

func (f *fakeHostSource) ProcessID() int {
	return f.pid
}

func TestResolveFromConfig(t *testing.T) {
	identity, err := ResolveFromConfig(31, 31)
	assert.NoError(t, err)
	assert.Equal(t, uint8(31), identity.DatacenterID())
	assert.Equal(t, uint8(31), identity.WorkerID())
	assert.Equal(t, NodeIdentitySourceConfig, identity.Source())
	assert.Equal(t, "31:31 (config)", identity.String())

	identity, err = ResolveFromConfig(0, 0)
	assert.NoError(t, err)
	assert.Equal(t, uint8(0), identity.DatacenterID())

	_, err = ResolveFromConfig(32, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
	var configErr *ConfigurationError
	assert.True(t, errors.As(err, &configErr))
	assert.Equal(t, "datacenterID", configErr.Field)
	assert.Equal(t, 32, configErr.Value)
	assert.EqualError(t, err, "datacenterID 32 out of range [0, 31]")

	_, err = ResolveFromConfig(0, -1)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.True(t, errors.As(err, &configErr))
	assert.Equal(t, "workerID", configErr.Field)
	assert.Equal(t, -1, configErr.Value)
}

func TestResolveFromNetwork(t *testing.T) {
	source := &fakeHostSource{mac: net.HardwareAddr{0, 0, 0, 0, 0x40, 0x01}, pid: 4242}
	logger := &MockLogHandler{}
	identity := ResolveFromNetwork(source, logger)
	assert.Equal(t, uint8(5), identity.DatacenterID())
	expectedWorker := uint8((xxhash.Sum64String("5"+strconv.Itoa(4242)) & 0xffff) % 32)
	assert.Equal(t, expectedWorker, identity.WorkerID())
	assert.Equal(t, NodeIdentitySourceNetwork, identity.Source())
	assert.Len(t, logger.Logs, 0)

	again := ResolveFromNetwork(source, logger)
	assert.Equal(t, identity, again)

	source.mac = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	identity = ResolveFromNetwork(source, logger)
	assert.Equal(t, uint8(0xffff>>6%32), identity.DatacenterID())
	assert.LessOrEqual(t, identity.WorkerID(), uint8(MaxWorkerID))
}

func TestResolveFromNetworkFallback(t *testing.T) {
	source := &fakeHostSource{pid: 100}
	logger := &MockLogHandler{}
	identity := ResolveFromNetwork(source, logger)
	assert.Equal(t, uint8(1), identity.DatacenterID())
	assert.Equal(t, uint8((xxhash.Sum64String("1100")&0xffff)%32), identity.WorkerID())
	assert.Len(t, logger.Logs, 1)
	assert.Equal(t, "NODE IDENTITY", logger.Logs[0]["operation"])
	assert.NotContains(t, logger.Logs[0], "error")

	logger.Clear()
	source.err = errors.New("no permission")
	identity = ResolveFromNetwork(source, logger)
	assert.Equal(t, uint8(1), identity.DatacenterID())
	assert.Len(t, logger.Logs, 1)
	assert.Equal(t, "no permission", logger.Logs[0]["error"])

	identity = ResolveFromNetwork(source, nil)
	assert.Equal(t, uint8(1), identity.DatacenterID())
}

func TestNewHostIdentitySource(t *testing.T) {
	source := NewHostIdentitySource("")
	assert.NotNil(t, source)
	identity := ResolveFromNetwork(source, nil)
	assert.LessOrEqual(t, identity.DatacenterID(), uint8(MaxDatacenterID))
	assert.LessOrEqual(t, identity.WorkerID(), uint8(MaxWorkerID))

	mac, err := NewHostIdentitySource("203.0.113.254").HardwareAddr()
	assert.NoError(t, err)
	assert.Nil(t, mac)
}

func TestNodeIdentitySlot(t *testing.T) {
	identity, _ := ResolveFromConfig(31, 31)
	assert.Equal(t, 1023, identity.slot())
	next := nodeIdentityFromSlot(identity.slot()+1, NodeIdentitySourceRedis)
	assert.Equal(t, uint8(0), next.DatacenterID())
	assert.Equal(t, uint8(0), next.WorkerID())
	assert.Equal(t, NodeIdentitySourceRedis, next.Source())

	identity, _ = ResolveFromConfig(2, 3)
	assert.Equal(t, identity.withSource(NodeIdentitySourceMySQL), nodeIdentityFromSlot(2<<5|3, NodeIdentitySourceMySQL))
}

func TestResolveNodeIdentityOrder(t *testing.T) {
	explicit, _ := ResolveFromConfig(4, 4)
	calls := 0
	provider := func(_ context.Context) (NodeIdentity, error) {
		calls++
		return ResolveFromConfig(9, 9)
	}
	source := &fakeHostSource{mac: net.HardwareAddr{0, 0, 0, 0, 0x40, 0x01}, pid: 1}

	identity, err := resolveNodeIdentity(context.Background(), &IDGeneratorOptions{NodeIdentity: &explicit, Provider: provider, HostSource: source})
	assert.NoError(t, err)
	assert.Equal(t, explicit, identity)
	assert.Equal(t, 0, calls)

	identity, err = resolveNodeIdentity(context.Background(), &IDGeneratorOptions{Provider: provider, HostSource: source})
	assert.NoError(t, err)
	assert.Equal(t, uint8(9), identity.DatacenterID())
	assert.Equal(t, NodeIdentitySourceProvider, identity.Source())
	assert.Equal(t, 1, calls)

	identity, err = resolveNodeIdentity(context.Background(), &IDGeneratorOptions{HostSource: source})
	assert.NoError(t, err)
	assert.Equal(t, uint8(5), identity.DatacenterID())
	assert.Equal(t, NodeIdentitySourceNetwork, identity.Source())

	failing := func(_ context.Context) (NodeIdentity, error) {
		return NodeIdentity{}, errors.New("registry down")
	}
	_, err = resolveNodeIdentity(context.Background(), &IDGeneratorOptions{Provider: failing, HostSource: source})
	assert.EqualError(t, err, "node identity provider failed: registry down")
}
