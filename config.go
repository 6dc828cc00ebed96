package fluxaid

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const NodeLeaseTypeRedis = "redis"
const NodeLeaseTypeMySQL = "mysql"

type ConfigMysql struct {
	Code               string `yaml:"code" validate:"required"`
	URI                string `yaml:"uri" validate:"required"`
	ConnMaxLifetime    int    `yaml:"connMaxLifetime"`
	MaxOpenConnections int    `yaml:"maxOpenConnections"`
	MaxIdleConnections int    `yaml:"maxIdleConnections"`
}

type ConfigRedis struct {
	Code     string `yaml:"code" validate:"required"`
	URI      string `yaml:"uri" validate:"required"`
	Database int    `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type ConfigRedisSentinel struct {
	Code       string   `yaml:"code" validate:"required"`
	MasterName string   `yaml:"masterName" validate:"required"`
	Database   int      `yaml:"database"`
	Sentinels  []string `yaml:"sentinels"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password"`
}

// ConfigNodeLease makes the generator lease its identity from a shared pool.
// TTL and KeepAlive are in seconds, KeepAlive defaults to a third of TTL.
type ConfigNodeLease struct {
	Pool      string `yaml:"pool"`
	Type      string `yaml:"type"`
	TTL       int    `yaml:"ttl"`
	KeepAlive int    `yaml:"keepAlive"`
}

type ConfigIDGenerator struct {
	DatacenterID       *int             `yaml:"datacenterId"`
	WorkerID           *int             `yaml:"workerId"`
	Epoch              int64            `yaml:"epoch"`
	MaxBackwardMs      int              `yaml:"maxBackwardMs"`
	FixedSequenceStart bool             `yaml:"fixedSequenceStart"`
	HostAddress        string           `yaml:"hostAddress"`
	Lease              *ConfigNodeLease `yaml:"lease"`
}

type Config struct {
	MySQlPools         []ConfigMysql         `yaml:"mysqlPools"`
	RedisPools         []ConfigRedis         `yaml:"redisPools"`
	RedisSentinelPools []ConfigRedisSentinel `yaml:"redisSentinelPools"`
	IDGenerator        *ConfigIDGenerator    `yaml:"idGenerator"`
}

func (r *registry) InitByYaml(data []byte) error {
	config := &Config{}
	err := yaml.Unmarshal(data, config)
	if err != nil {
		return errors.Wrap(err, "invalid yaml config")
	}
	return r.InitByConfig(config)
}

func (r *registry) InitByConfig(config *Config) error {
	for _, pool := range config.MySQlPools {
		options := &MySQLOptions{}
		options.ConnMaxLifetime = time.Duration(pool.ConnMaxLifetime) * time.Second
		options.MaxOpenConnections = pool.MaxOpenConnections
		options.MaxIdleConnections = pool.MaxIdleConnections
		r.RegisterMySQL(pool.URI, pool.Code, options)
	}
	for _, pool := range config.RedisPools {
		options := &RedisOptions{}
		if pool.User != "" {
			options.User = pool.User
		}
		if pool.Password != "" {
			options.Password = pool.Password
		}
		r.RegisterRedis(pool.URI, pool.Database, pool.Code, options)
	}
	for _, pool := range config.RedisSentinelPools {
		options := &RedisOptions{Master: pool.MasterName, Sentinels: pool.Sentinels}
		if pool.User != "" {
			options.User = pool.User
		}
		if pool.Password != "" {
			options.Password = pool.Password
		}
		r.RegisterRedis("", pool.Database, pool.Code, options)
	}
	if config.IDGenerator == nil {
		return nil
	}
	options, err := config.IDGenerator.Options()
	if err != nil {
		return err
	}
	r.RegisterIDGenerator(options)
	lease := config.IDGenerator.Lease
	if lease != nil && options.NodeIdentity == nil {
		provider, keepAlive, err := lease.provider()
		if err != nil {
			return err
		}
		r.RegisterNodeLease(provider, keepAlive)
	}
	return nil
}

// Options converts the section into generator options. Datacenter and worker
// ids are validated here, so an invalid file fails before any engine exists.
func (c *ConfigIDGenerator) Options() (*IDGeneratorOptions, error) {
	options := &IDGeneratorOptions{
		Epoch:              c.Epoch,
		MaxBackward:        time.Duration(c.MaxBackwardMs) * time.Millisecond,
		FixedSequenceStart: c.FixedSequenceStart,
		HostAddress:        c.HostAddress,
	}
	if c.DatacenterID == nil && c.WorkerID == nil {
		return options, nil
	}
	if c.DatacenterID == nil || c.WorkerID == nil {
		return nil, errors.Wrap(ErrConfiguration, "datacenterId and workerId must be set together")
	}
	identity, err := ResolveFromConfig(*c.DatacenterID, *c.WorkerID)
	if err != nil {
		return nil, err
	}
	options.NodeIdentity = &identity
	return options, nil
}

func (l *ConfigNodeLease) provider() (NodeLeaseProvider, time.Duration, error) {
	pool := l.Pool
	if pool == "" {
		pool = DefaultPoolCode
	}
	ttl := nodeLeaseTTL(time.Duration(l.TTL) * time.Second)
	keepAlive := time.Duration(l.KeepAlive) * time.Second
	if keepAlive <= 0 {
		keepAlive = ttl / 3
	}
	switch l.Type {
	case "", NodeLeaseTypeRedis:
		return NewRedisNodeLeaseProvider(pool, ttl), keepAlive, nil
	case NodeLeaseTypeMySQL:
		return NewMySQLNodeLeaseProvider(pool, ttl), keepAlive, nil
	}
	return nil, 0, errors.Wrapf(ErrConfiguration, "unsupported node lease type '%s'", l.Type)
}

// ConfigFromEnv reads the idGenerator section from <PREFIX>_DATACENTER_ID,
// <PREFIX>_WORKER_ID, <PREFIX>_EPOCH, <PREFIX>_HOST_ADDRESS and
// <PREFIX>_FIXED_SEQUENCE_START. Unset variables keep their defaults.
func ConfigFromEnv(prefix string) (*ConfigIDGenerator, error) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config := &ConfigIDGenerator{}
	var err error
	if config.DatacenterID, err = envInt(v, "datacenter_id"); err != nil {
		return nil, err
	}
	if config.WorkerID, err = envInt(v, "worker_id"); err != nil {
		return nil, err
	}
	if epoch := v.GetString("epoch"); epoch != "" {
		config.Epoch, err = strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrConfiguration, "invalid %s_EPOCH '%s'", strings.ToUpper(prefix), epoch)
		}
	}
	config.HostAddress = v.GetString("host_address")
	config.FixedSequenceStart = v.GetBool("fixed_sequence_start")
	return config, nil
}

func envInt(v *viper.Viper, key string) (*int, error) {
	raw := v.GetString(key)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "invalid %s '%s'", strings.ToUpper(key), raw)
	}
	return &value, nil
}
