package fluxaid

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var defaultGenerator atomic.Pointer[Snowflake]
var defaultGeneratorMutex sync.Mutex
var defaultGeneratorOptions *IDGeneratorOptions

// ConfigureIDGenerator sets the options used to build the process wide
// generator. It must run before the first IDGenerator call.
func ConfigureIDGenerator(options *IDGeneratorOptions) error {
	defaultGeneratorMutex.Lock()
	defer defaultGeneratorMutex.Unlock()
	if defaultGenerator.Load() != nil {
		return ErrIDGeneratorInitialized
	}
	defaultGeneratorOptions = options
	return nil
}

// IDGenerator returns the process wide generator, building it on first use.
// Concurrent first callers all get the same instance. A failed build leaves
// nothing behind, so the next call tries again.
func IDGenerator() (*Snowflake, error) {
	if generator := defaultGenerator.Load(); generator != nil {
		return generator, nil
	}
	defaultGeneratorMutex.Lock()
	defer defaultGeneratorMutex.Unlock()
	if generator := defaultGenerator.Load(); generator != nil {
		return generator, nil
	}
	options := defaultGeneratorOptions
	if options == nil {
		options = &IDGeneratorOptions{}
	}
	if options.Logger == nil {
		withLogger := *options
		withLogger.Logger = newDefaultLogLogger(0)
		options = &withLogger
	}
	identity, err := resolveNodeIdentity(context.Background(), options)
	if err != nil {
		return nil, err
	}
	generator, err := NewSnowflake(identity, options)
	if err != nil {
		return nil, err
	}
	logEvent(options.Logger, "NODE IDENTITY", "id generator started as "+identity.String(), nil)
	defaultGenerator.Store(generator)
	return generator, nil
}

func NextID() (uint64, error) {
	generator, err := IDGenerator()
	if err != nil {
		return 0, err
	}
	return generator.NextID()
}

func NextIDAsString() (string, error) {
	generator, err := IDGenerator()
	if err != nil {
		return "", err
	}
	return generator.NextIDAsString()
}

func resolveNodeIdentity(ctx context.Context, options *IDGeneratorOptions) (NodeIdentity, error) {
	if options.NodeIdentity != nil {
		identity := *options.NodeIdentity
		if identity.source == "" {
			identity.source = NodeIdentitySourceConfig
		}
		return identity, nil
	}
	if options.Provider != nil {
		identity, err := options.Provider(ctx)
		if err != nil {
			return NodeIdentity{}, errors.Wrap(err, "node identity provider failed")
		}
		validated, err := ResolveFromConfig(int(identity.datacenterID), int(identity.workerID))
		if err != nil {
			return NodeIdentity{}, err
		}
		source := identity.source
		if source == "" || source == NodeIdentitySourceConfig {
			source = NodeIdentitySourceProvider
		}
		return validated.withSource(source), nil
	}
	source := options.HostSource
	if source == nil {
		source = NewHostIdentitySource(options.HostAddress)
	}
	return ResolveFromNetwork(source, options.Logger), nil
}
