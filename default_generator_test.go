package fluxaid

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIDGeneratorSingleton(t *testing.T) {
	ResetIDGenerator()
	defer ResetIDGenerator()
	identity, _ := ResolveFromConfig(6, 12)
	assert.NoError(t, ConfigureIDGenerator(&IDGeneratorOptions{NodeIdentity: &identity, Logger: &MockLogHandler{}}))

	generators := make([]*Snowflake, 64)
	var wg sync.WaitGroup
	for i := range generators {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			generator, err := IDGenerator()
			assert.NoError(t, err)
			generators[i] = generator
		}(i)
	}
	wg.Wait()
	for _, generator := range generators {
		assert.Same(t, generators[0], generator)
	}
	assert.Equal(t, identity, generators[0].NodeIdentity())

	id, err := NextID()
	assert.NoError(t, err)
	parts := Decompose(id, DefaultEpoch)
	assert.Equal(t, uint8(6), parts.DatacenterID)
	assert.Equal(t, uint8(12), parts.WorkerID)

	value, err := NextIDAsString()
	assert.NoError(t, err)
	parsed, err := ParseID(value, IDFormatDecimal)
	assert.NoError(t, err)
	assert.Greater(t, parsed, id)

	err = ConfigureIDGenerator(&IDGeneratorOptions{})
	assert.ErrorIs(t, err, ErrIDGeneratorInitialized)
}

func TestIDGeneratorRetriesAfterFailure(t *testing.T) {
	ResetIDGenerator()
	defer ResetIDGenerator()
	calls := 0
	provider := func(_ context.Context) (NodeIdentity, error) {
		calls++
		if calls == 1 {
			return NodeIdentity{}, errors.New("not ready")
		}
		return ResolveFromConfig(2, 2)
	}
	assert.NoError(t, ConfigureIDGenerator(&IDGeneratorOptions{Provider: provider, Logger: &MockLogHandler{}}))

	_, err := IDGenerator()
	assert.EqualError(t, err, "node identity provider failed: not ready")
	assert.Nil(t, defaultGenerator.Load())

	generator, err := IDGenerator()
	assert.NoError(t, err)
	assert.Equal(t, uint8(2), generator.NodeIdentity().DatacenterID())
	assert.Equal(t, 2, calls)
}

func TestIDGeneratorNetworkFallback(t *testing.T) {
	ResetIDGenerator()
	defer ResetIDGenerator()
	logger := &MockLogHandler{}
	source := &fakeHostSource{pid: 7}
	assert.NoError(t, ConfigureIDGenerator(&IDGeneratorOptions{HostSource: source, Logger: logger}))
	generator, err := IDGenerator()
	assert.NoError(t, err)
	assert.Equal(t, uint8(1), generator.NodeIdentity().DatacenterID())
	assert.Equal(t, NodeIdentitySourceNetwork, generator.NodeIdentity().Source())
	assert.Len(t, logger.Logs, 2)
	assert.Equal(t, "NODE IDENTITY", logger.Logs[1]["operation"])
	assert.Contains(t, logger.Logs[1]["query"], "id generator started as 1:")
}

func TestIDGeneratorInvalidProviderIdentity(t *testing.T) {
	ResetIDGenerator()
	defer ResetIDGenerator()
	provider := func(_ context.Context) (NodeIdentity, error) {
		return NodeIdentity{datacenterID: 40}, nil
	}
	assert.NoError(t, ConfigureIDGenerator(&IDGeneratorOptions{Provider: provider}))
	_, err := NextID()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestIDGeneratorCustomEpochParseTimestamp(t *testing.T) {
	ResetIDGenerator()
	defer ResetIDGenerator()
	identity, _ := ResolveFromConfig(1, 2)
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.NoError(t, ConfigureIDGenerator(&IDGeneratorOptions{NodeIdentity: &identity, Epoch: epoch, Logger: &MockLogHandler{}}))

	before := time.Now().UnixMilli()
	id, err := NextID()
	assert.NoError(t, err)
	after := time.Now().UnixMilli()
	generator, err := IDGenerator()
	assert.NoError(t, err)
	created := ParseTimestamp(id).UnixMilli()
	assert.GreaterOrEqual(t, created, before)
	assert.LessOrEqual(t, created, after)
	assert.Equal(t, generator.ParseTimestamp(id).UnixMilli(), created)
	assert.Equal(t, created, Decompose(id, epoch).Timestamp.UnixMilli())

	ResetIDGenerator()
	assert.Equal(t, ParseTimestampWithEpoch(id, DefaultEpoch), ParseTimestamp(id))
}
