package fluxaid

import (
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsOperationOther = "other"
const metricsOperationKey = "key"
const metricsOperationHash = "hash"
const metricsOperationLock = "lock"

type RedisCache interface {
	Set(ctx Context, key string, value any, expiration time.Duration) error
	SetNX(ctx Context, key string, value any, expiration time.Duration) (bool, error)
	Get(ctx Context, key string) (value string, has bool, err error)
	Del(ctx Context, keys ...string) error
	Expire(ctx Context, key string, expiration time.Duration) (bool, error)
	HSet(ctx Context, key string, values ...any) error
	HGet(ctx Context, key, field string) (value string, has bool, err error)
	HGetAll(ctx Context, key string) (map[string]string, error)
	HDel(ctx Context, key string, fields ...string) error
	FlushDB(ctx Context) error
	GetLocker() *Locker
	GetConfig() RedisPoolConfig
	GetCode() string
	Client() *redis.Client
}

type redisCache struct {
	client *redis.Client
	locker *Locker
	config RedisPoolConfig
}

func (r *redisCache) GetConfig() RedisPoolConfig {
	return r.config
}

func (r *redisCache) GetCode() string {
	return r.config.GetCode()
}

func (r *redisCache) Client() *redis.Client {
	return r.client
}

func (r *redisCache) Get(ctx Context, key string) (value string, has bool, err error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	res := r.client.Get(ctx.Context(), key)
	val, err := res.Result()
	end := time.Since(start)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		if hasLogger {
			r.fillLogFields(ctx, res, end, err)
		}
		r.fillMetrics(ctx, end, metricsOperationKey, err)
		return "", false, err
	}
	if hasLogger {
		r.fillLogFields(ctx, res, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey, err)
	return val, true, nil
}

func (r *redisCache) Set(ctx Context, key string, value any, expiration time.Duration) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.Set(ctx.Context(), key, value, expiration)
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey, err)
	return err
}

func (r *redisCache) SetNX(ctx Context, key string, value any, expiration time.Duration) (bool, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.SetNX(ctx.Context(), key, value, expiration)
	isSet, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey, err)
	return isSet, err
}

func (r *redisCache) Del(ctx Context, keys ...string) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.Del(ctx.Context(), keys...)
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey, err)
	return err
}

func (r *redisCache) Expire(ctx Context, key string, expiration time.Duration) (bool, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.Expire(ctx.Context(), key, expiration)
	val, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationKey, err)
	return val, err
}

func (r *redisCache) HSet(ctx Context, key string, values ...any) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.HSet(ctx.Context(), key, values...)
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationHash, err)
	return err
}

func (r *redisCache) HGet(ctx Context, key, field string) (value string, has bool, err error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.HGet(ctx.Context(), key, field)
	val, err := req.Result()
	end := time.Since(start)
	found := err == nil
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationHash, err)
	return val, found, err
}

func (r *redisCache) HGetAll(ctx Context, key string) (map[string]string, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.HGetAll(ctx.Context(), key)
	val, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationHash, err)
	return val, err
}

func (r *redisCache) HDel(ctx Context, key string, fields ...string) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.HDel(ctx.Context(), key, fields...)
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationHash, err)
	return err
}

func (r *redisCache) FlushDB(ctx Context) error {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	req := r.client.FlushDB(ctx.Context())
	_, err := req.Result()
	end := time.Since(start)
	if hasLogger {
		r.fillLogFields(ctx, req, end, err)
	}
	r.fillMetrics(ctx, end, metricsOperationOther, err)
	return err
}

func (r *redisCache) fillLogFields(ctx Context, req redis.Cmder, duration time.Duration, err error) {
	_, loggers := ctx.getRedisLoggers()
	fillLogFields(ctx, loggers, r.config.GetCode(), sourceRedis, req.Name(), formatRedisCommandLog(req), &duration, err)
}

func (r *redisCache) fillMetrics(ctx Context, end time.Duration, operation string, err error) {
	metrics, hasMetrics := ctx.Engine().Registry().getMetricsRegistry()
	if hasMetrics {
		metrics.queriesRedis.WithLabelValues(operation, r.config.GetCode(), ctx.getMetricsSourceTag()).Observe(end.Seconds())
		if err != nil {
			metrics.queriesRedisErrors.WithLabelValues(r.config.GetCode(), ctx.getMetricsSourceTag()).Inc()
		}
	}
}

func formatRedisCommandLog(req redis.Cmder) string {
	value := req.String()
	index := strings.LastIndex(value, ":")
	if index < 0 {
		return value
	}
	return value[:index]
}
