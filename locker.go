package fluxaid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
)

type lockerClient interface {
	Obtain(context context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

type standardLockerClient struct {
	client *redislock.Client
}

func (l *standardLockerClient) Obtain(context context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error) {
	return l.client.Obtain(context, key, ttl, opt)
}

type Locker struct {
	locker lockerClient
	r      *redisCache
}

func (r *redisCache) GetLocker() *Locker {
	if r.locker == nil {
		r.locker = &Locker{locker: &standardLockerClient{client: redislock.New(r.client)}, r: r}
	}
	return r.locker
}

func (l *Locker) Obtain(ctx Context, key string, ttl time.Duration, waitTimeout time.Duration) (lock *Lock, obtained bool, err error) {
	if ttl == 0 {
		return nil, false, errors.New("ttl must be higher than zero")
	}
	if waitTimeout > ttl {
		return nil, false, errors.New("waitTimeout can't be higher than ttl")
	}
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	var options *redislock.Options
	if waitTimeout > 0 {
		options = &redislock.Options{}
		interval := time.Second
		limit := 1
		if waitTimeout < interval {
			interval = waitTimeout
		} else {
			limit = int(waitTimeout / time.Second)
		}
		options.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(interval), limit)
	}
	redisLock, err := l.locker.Obtain(ctx.Context(), key, ttl, options)
	end := time.Since(start)
	message := fmt.Sprintf("LOCK OBTAIN %s TTL %s WAIT %s", key, ttl.String(), waitTimeout.String())
	if errors.Is(err, redislock.ErrNotObtained) {
		if hasLogger {
			l.fillLogFields(ctx, "LOCK OBTAIN", message, end, nil)
		}
		l.r.fillMetrics(ctx, end, metricsOperationLock, nil)
		return nil, false, nil
	}
	if hasLogger {
		l.fillLogFields(ctx, "LOCK OBTAIN", message, end, err)
	}
	l.r.fillMetrics(ctx, end, metricsOperationLock, err)
	if err != nil {
		return nil, false, err
	}
	return &Lock{lock: redisLock, locker: l, ttl: ttl, key: key, has: true}, true, nil
}

type Lock struct {
	lock   *redislock.Lock
	key    string
	ttl    time.Duration
	locker *Locker
	mutex  sync.Mutex
	has    bool
}

func (l *Lock) Key() string {
	return l.key
}

func (l *Lock) Release(ctx Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if !l.has {
		return nil
	}
	l.has = false
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	err := l.lock.Release(ctx.Context())
	if errors.Is(err, redislock.ErrLockNotHeld) {
		err = nil
	}
	end := time.Since(start)
	if hasLogger {
		l.locker.fillLogFields(ctx, "LOCK RELEASE", "LOCK RELEASE "+l.key, end, err)
	}
	l.locker.r.fillMetrics(ctx, end, metricsOperationLock, err)
	return err
}

func (l *Lock) TTL(ctx Context) (time.Duration, error) {
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	t, err := l.lock.TTL(ctx.Context())
	end := time.Since(start)
	if hasLogger {
		l.locker.fillLogFields(ctx, "LOCK TTL", "LOCK TTL "+l.key, end, err)
	}
	l.locker.r.fillMetrics(ctx, end, metricsOperationLock, err)
	return t, err
}

// Refresh extends the lock by ttl. It returns false when the lock was lost.
func (l *Lock) Refresh(ctx Context, ttl time.Duration) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if !l.has {
		return false, nil
	}
	hasLogger, _ := ctx.getRedisLoggers()
	start := time.Now()
	err := l.lock.Refresh(ctx.Context(), ttl, nil)
	ok := true
	if errors.Is(err, redislock.ErrNotObtained) {
		ok = false
		err = nil
		l.has = false
	}
	end := time.Since(start)
	if hasLogger {
		message := fmt.Sprintf("LOCK REFRESH %s %s", l.key, ttl)
		l.locker.fillLogFields(ctx, "LOCK REFRESH", message, end, err)
	}
	l.locker.r.fillMetrics(ctx, end, metricsOperationLock, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *Locker) fillLogFields(ctx Context, operation, query string, duration time.Duration, err error) {
	_, loggers := ctx.getRedisLoggers()
	fillLogFields(ctx, loggers, l.r.config.GetCode(), sourceRedis, operation, query, &duration, err)
}
