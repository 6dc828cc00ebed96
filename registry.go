package fluxaid

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

type Registry interface {
	Validate() (Engine, error)
	RegisterMySQL(dataSourceName string, poolCode string, poolOptions *MySQLOptions)
	RegisterRedis(address string, db int, poolCode string, options *RedisOptions)
	RegisterIDGenerator(options *IDGeneratorOptions)
	RegisterNodeLease(provider NodeLeaseProvider, keepAlive time.Duration)
	InitByYaml(yaml []byte) error
	InitByConfig(config *Config) error
	SetOption(key string, value any)
	EnableMetrics(factory promauto.Factory)
}

type registry struct {
	mysqlPools         map[string]MySQLConfig
	redisPools         map[string]RedisPoolConfig
	options            map[string]any
	metricsFactory     *promauto.Factory
	idGeneratorOptions *IDGeneratorOptions
	nodeLease          NodeLeaseProvider
	nodeLeaseKeepAlive time.Duration
	errors             []error
}

func NewRegistry() Registry {
	return &registry{}
}

func (r *registry) Validate() (Engine, error) {
	if len(r.errors) > 0 {
		return nil, r.errors[0]
	}
	maxPoolLen := 0
	e := newEngine()
	e.registry.hasMetrics = r.metricsFactory != nil
	for k, v := range r.mysqlPools {
		if len(k) > maxPoolLen {
			maxPoolLen = len(k)
		}
		db, err := sql.Open("mysql", v.GetDataSourceURI())
		if err != nil {
			return nil, errors.Wrapf(err, "invalid mysql pool '%s'", k)
		}
		options := v.GetOptions()
		maxLimit := 100
		if options.MaxOpenConnections > 0 {
			maxLimit = options.MaxOpenConnections
		}
		maxIdle := maxLimit
		if options.MaxIdleConnections > 0 && options.MaxIdleConnections < maxLimit {
			maxIdle = options.MaxIdleConnections
		}
		maxDuration := 5 * time.Minute
		if options.ConnMaxLifetime > 0 {
			maxDuration = options.ConnMaxLifetime
		}
		db.SetMaxOpenConns(maxLimit)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(maxDuration)
		v.(*mySQLConfig).client = db
		e.dbServers[k] = &dbImplementation{config: v, client: &standardSQLClient{db: db}}
	}
	for k, v := range r.redisPools {
		client := v.getClient()
		e.redisServers[k] = &redisCache{config: v, client: client}
		if len(k) > maxPoolLen {
			maxPoolLen = len(k)
		}
	}
	e.registry.defaultQueryLogger = newDefaultLogLogger(maxPoolLen)
	for key, value := range r.options {
		e.registry.options[key] = value
	}
	if e.registry.hasMetrics {
		e.registry.metricsRegistry = initMetricsRegistry(*r.metricsFactory)
	}
	if r.idGeneratorOptions != nil || r.nodeLease != nil {
		options := &IDGeneratorOptions{}
		if r.idGeneratorOptions != nil {
			*options = *r.idGeneratorOptions
		}
		if options.Logger == nil {
			options.Logger = e.registry.defaultQueryLogger
		}
		options.metrics = e.registry.metricsRegistry
		if r.nodeLease != nil && options.NodeIdentity == nil && options.Provider == nil {
			options.fence = &leaseFence{}
			options.Provider = e.leaseIdentityProvider(r.nodeLease.Name(), r.nodeLease, options, r.nodeLeaseKeepAlive)
		}
		err := ConfigureIDGenerator(options)
		if errors.Is(err, ErrIDGeneratorInitialized) {
			err = reuseIDGenerator(options)
		}
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// reuseIDGenerator accepts the generator already running in this process
// unless options ask for another node identity or epoch.
func reuseIDGenerator(options *IDGeneratorOptions) error {
	generator := defaultGenerator.Load()
	if generator == nil {
		return ErrIDGeneratorInitialized
	}
	running := generator.NodeIdentity()
	if options.NodeIdentity != nil && options.NodeIdentity.slot() != running.slot() {
		return errors.Wrapf(ErrIDGeneratorInitialized, "running as %s, requested %s", running, *options.NodeIdentity)
	}
	epoch := options.Epoch
	if epoch == 0 {
		epoch = DefaultEpoch
	}
	if epoch != generator.Epoch() {
		return errors.Wrapf(ErrIDGeneratorInitialized, "running with epoch %d, requested %d", generator.Epoch(), epoch)
	}
	logEvent(options.Logger, "NODE IDENTITY", "id generator already running as "+running.String()+", reusing it", nil)
	return nil
}

func (r *registry) RegisterIDGenerator(options *IDGeneratorOptions) {
	if options == nil {
		options = &IDGeneratorOptions{}
	}
	r.idGeneratorOptions = options
}

// RegisterNodeLease makes the generator claim its node identity from provider.
// keepAlive > 0 refreshes the lease in background at that interval.
func (r *registry) RegisterNodeLease(provider NodeLeaseProvider, keepAlive time.Duration) {
	r.nodeLease = provider
	r.nodeLeaseKeepAlive = keepAlive
}

func (r *registry) EnableMetrics(factory promauto.Factory) {
	r.metricsFactory = &factory
}

func (r *registry) SetOption(key string, value any) {
	if r.options == nil {
		r.options = map[string]any{key: value}
		return
	}
	r.options[key] = value
}

type MySQLOptions struct {
	ConnMaxLifetime    time.Duration
	MaxOpenConnections int
	MaxIdleConnections int
}

func (r *registry) RegisterMySQL(dataSourceName string, poolCode string, poolOptions *MySQLOptions) {
	if poolOptions == nil {
		poolOptions = &MySQLOptions{}
	}
	db := &mySQLConfig{code: poolCode, dataSourceName: dataSourceName, options: poolOptions}
	if r.mysqlPools == nil {
		r.mysqlPools = make(map[string]MySQLConfig)
	}
	dsn, err := mysql.ParseDSN(dataSourceName)
	if err != nil {
		r.errors = append(r.errors, errors.Wrapf(err, "invalid mysql pool '%s'", poolCode))
		return
	}
	db.databaseName = dsn.DBName
	r.mysqlPools[poolCode] = db
}

type RedisOptions struct {
	User            string
	Password        string
	Master          string
	Sentinels       []string
	SentinelOptions *redis.FailoverOptions
}

func (r *registry) RegisterRedis(address string, db int, poolCode string, options *RedisOptions) {
	if options != nil && len(options.Sentinels) > 0 {
		sentinelOptions := options.SentinelOptions
		if sentinelOptions == nil {
			sentinelOptions = &redis.FailoverOptions{
				MasterName:      options.Master,
				SentinelAddrs:   options.Sentinels,
				DB:              db,
				ConnMaxIdleTime: time.Minute * 2,
				Username:        options.User,
				Password:        options.Password,
			}
		}
		client := redis.NewFailoverClient(sentinelOptions)
		r.registerRedis(client, poolCode, fmt.Sprintf("%v", options.Sentinels), db)
		return
	}
	redisOptions := &redis.Options{
		Addr:            address,
		DB:              db,
		ConnMaxIdleTime: time.Minute * 2,
	}
	if options != nil {
		redisOptions.Username = options.User
		redisOptions.Password = options.Password
	}
	if strings.HasSuffix(address, ".sock") {
		redisOptions.Network = "unix"
	}
	redisOptions.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}
	client := redis.NewClient(redisOptions)
	r.registerRedis(client, poolCode, address, db)
}

func (r *registry) registerRedis(client *redis.Client, code string, address string, db int) {
	redisPool := &redisCacheConfig{code: code, client: client, address: address, db: db}
	if r.redisPools == nil {
		r.redisPools = make(map[string]RedisPoolConfig)
	}
	r.redisPools[code] = redisPool
}

type RedisPoolConfig interface {
	GetCode() string
	GetDatabaseNumber() int
	GetAddress() string
	getClient() *redis.Client
}

type redisCacheConfig struct {
	code    string
	client  *redis.Client
	db      int
	address string
}

func (p *redisCacheConfig) GetCode() string {
	return p.code
}

func (p *redisCacheConfig) GetDatabaseNumber() int {
	return p.db
}

func (p *redisCacheConfig) GetAddress() string {
	return p.address
}

func (p *redisCacheConfig) getClient() *redis.Client {
	return p.client
}
