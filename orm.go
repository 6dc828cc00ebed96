package fluxaid

import (
	"context"
	"sync"
)

type Meta map[string]string

func (m Meta) Get(key string) string {
	return m[key]
}

type Context interface {
	Context() context.Context
	Clone() Context
	CloneWithContext(context context.Context) Context
	Engine() Engine
	NextID() (uint64, error)
	NextIDAsString() (string, error)
	RegisterQueryLogger(handler LogHandler, mysql, redis bool)
	EnableQueryDebug()
	EnableQueryDebugCustom(mysql, redis bool)
	SetMetaData(key, value string)
	GetMetaData() Meta
	getDBLoggers() (bool, []LogHandler)
	getRedisLoggers() (bool, []LogHandler)
	getMetricsSourceTag() string
}

type ormImplementation struct {
	context           context.Context
	engine            *engineImplementation
	queryLoggersDB    []LogHandler
	queryLoggersRedis []LogHandler
	hasRedisLogger    bool
	hasDBLogger       bool
	meta              Meta
	mutexData         sync.Mutex
}

func (orm *ormImplementation) Context() context.Context {
	return orm.context
}

func (orm *ormImplementation) CloneWithContext(context context.Context) Context {
	return &ormImplementation{
		context:           context,
		engine:            orm.engine,
		queryLoggersDB:    orm.queryLoggersDB,
		queryLoggersRedis: orm.queryLoggersRedis,
		hasRedisLogger:    orm.hasRedisLogger,
		hasDBLogger:       orm.hasDBLogger,
		meta:              orm.meta,
	}
}

func (orm *ormImplementation) Clone() Context {
	return orm.CloneWithContext(orm.context)
}

func (orm *ormImplementation) Engine() Engine {
	return orm.engine
}

func (orm *ormImplementation) NextID() (uint64, error) {
	generator, err := orm.engine.IDGenerator()
	if err != nil {
		return 0, err
	}
	return generator.NextID()
}

func (orm *ormImplementation) NextIDAsString() (string, error) {
	generator, err := orm.engine.IDGenerator()
	if err != nil {
		return "", err
	}
	return generator.NextIDAsString()
}

func (orm *ormImplementation) RegisterQueryLogger(handler LogHandler, mysql, redis bool) {
	if mysql {
		orm.queryLoggersDB = append(orm.queryLoggersDB, handler)
		orm.hasDBLogger = true
	}
	if redis {
		orm.queryLoggersRedis = append(orm.queryLoggersRedis, handler)
		orm.hasRedisLogger = true
	}
}

func (orm *ormImplementation) EnableQueryDebug() {
	orm.EnableQueryDebugCustom(true, true)
}

func (orm *ormImplementation) EnableQueryDebugCustom(mysql, redis bool) {
	orm.RegisterQueryLogger(orm.engine.registry.getDefaultQueryLogger(), mysql, redis)
}

func (orm *ormImplementation) SetMetaData(key, value string) {
	orm.mutexData.Lock()
	defer orm.mutexData.Unlock()
	if orm.meta == nil {
		orm.meta = Meta{key: value}
		return
	}
	orm.meta[key] = value
}

func (orm *ormImplementation) GetMetaData() Meta {
	return orm.meta
}

func (orm *ormImplementation) getRedisLoggers() (bool, []LogHandler) {
	if orm.hasRedisLogger {
		return true, orm.queryLoggersRedis
	}
	return false, nil
}

func (orm *ormImplementation) getDBLoggers() (bool, []LogHandler) {
	if orm.hasDBLogger {
		return true, orm.queryLoggersDB
	}
	return false, nil
}

func (orm *ormImplementation) getMetricsSourceTag() string {
	userTag, has := orm.meta[MetricsMetaKey]
	if has {
		return userTag
	}
	return "default"
}
