package fluxaid

import (
	"context"
	"hash/maphash"
	"time"

	"github.com/puzpuzpuz/xsync/v2"
)

const DefaultPoolCode = "default"

type EngineRegistry interface {
	DBPools() map[string]DB
	RedisPools() map[string]RedisCache
	Option(key string) any
	getDefaultQueryLogger() LogHandler
	getMetricsRegistry() (*metricsRegistry, bool)
}

type EngineSetter interface {
	SetOption(key string, value any)
}

type Engine interface {
	NewContext(parent context.Context) Context
	DB(code string) DB
	Redis(code string) RedisCache
	Registry() EngineRegistry
	Option(key string) any
	IDGenerator() (*Snowflake, error)
	NodeLease(code string) (NodeLease, bool)
	Close(ctx Context) error
}

type engineRegistryImplementation struct {
	engine             *engineImplementation
	defaultQueryLogger *defaultLogLogger
	options            map[string]any
	hasMetrics         bool
	metricsRegistry    *metricsRegistry
}

type engineImplementation struct {
	registry     *engineRegistryImplementation
	dbServers    map[string]DB
	redisServers map[string]RedisCache
	options      map[string]any
	leases       *xsync.MapOf[string, NodeLease]
}

func newEngine() *engineImplementation {
	e := &engineImplementation{}
	e.registry = &engineRegistryImplementation{engine: e, options: make(map[string]any)}
	e.options = make(map[string]any)
	e.dbServers = make(map[string]DB)
	e.redisServers = make(map[string]RedisCache)
	e.leases = xsync.NewTypedMapOf[string, NodeLease](func(seed maphash.Seed, s string) uint64 {
		return maphash.String(seed, s)
	})
	return e
}

func (e *engineImplementation) NewContext(context context.Context) Context {
	return &ormImplementation{context: context, engine: e}
}

func (e *engineImplementation) Registry() EngineRegistry {
	return e.registry
}

func (e *engineImplementation) Option(key string) any {
	return e.options[key]
}

func (e *engineImplementation) SetOption(key string, value any) {
	e.options[key] = value
}

func (e *engineImplementation) DB(code string) DB {
	return e.dbServers[code]
}

func (e *engineImplementation) Redis(code string) RedisCache {
	return e.redisServers[code]
}

// IDGenerator returns the process wide generator. An engine never owns a
// generator of its own, two generators in one process could share identity.
func (e *engineImplementation) IDGenerator() (*Snowflake, error) {
	return IDGenerator()
}

func (e *engineImplementation) NodeLease(code string) (NodeLease, bool) {
	return e.leases.Load(code)
}

// Close releases node leases held by this engine.
func (e *engineImplementation) Close(ctx Context) error {
	var firstErr error
	e.leases.Range(func(code string, lease NodeLease) bool {
		if err := lease.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		e.leases.Delete(code)
		return true
	})
	return firstErr
}

// leaseIdentityProvider claims a node slot from provider, preferring the
// network derived identity of this host.
func (e *engineImplementation) leaseIdentityProvider(code string, provider NodeLeaseProvider, options *IDGeneratorOptions, keepAlive time.Duration) NodeIdentityProvider {
	return func(parent context.Context) (NodeIdentity, error) {
		source := options.HostSource
		if source == nil {
			source = NewHostIdentitySource(options.HostAddress)
		}
		preferred := ResolveFromNetwork(source, options.Logger)
		ctx := e.NewContext(parent)
		lease, err := provider.Acquire(ctx, preferred)
		if err != nil {
			return NodeIdentity{}, err
		}
		e.leases.Store(code, lease)
		if options.fence != nil {
			lease.Notify(options.fence.set)
		}
		if keepAlive > 0 {
			go lease.KeepAlive(e.NewContext(context.Background()), keepAlive)
		}
		return lease.Identity(), nil
	}
}

func (er *engineRegistryImplementation) getMetricsRegistry() (*metricsRegistry, bool) {
	return er.metricsRegistry, er.hasMetrics
}

func (er *engineRegistryImplementation) RedisPools() map[string]RedisCache {
	return er.engine.redisServers
}

func (er *engineRegistryImplementation) DBPools() map[string]DB {
	return er.engine.dbServers
}

func (er *engineRegistryImplementation) Option(key string) any {
	return er.options[key]
}

func (er *engineRegistryImplementation) getDefaultQueryLogger() LogHandler {
	return er.defaultQueryLogger
}
