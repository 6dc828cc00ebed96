package fluxaid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsMetaKey = "metrics_source"

type metricsRegistry struct {
	idsGenerated       *prometheus.CounterVec
	clockBackward      *prometheus.CounterVec
	sequenceExhausted  prometheus.Counter
	queriesDB          *prometheus.HistogramVec
	queriesDBErrors    *prometheus.CounterVec
	queriesRedis       *prometheus.HistogramVec
	queriesRedisErrors *prometheus.CounterVec
}

func initMetricsRegistry(factory promauto.Factory) *metricsRegistry {
	reg := &metricsRegistry{}
	reg.idsGenerated = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxaid_ids_generated",
		Help: "Total number of generated ids",
	}, []string{"source"})
	reg.clockBackward = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxaid_clock_backward",
		Help: "Total number of detected clock regressions",
	}, []string{"outcome"})
	reg.sequenceExhausted = factory.NewCounter(prometheus.CounterOpts{
		Name: "fluxaid_sequence_exhausted",
		Help: "Total number of waits for the next millisecond after 4096 ids",
	})
	reg.queriesDB = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fluxaid_db_queries",
		Help: "Total number of DB queries executed",
	}, []string{"operation", "pool", "source"})
	reg.queriesDBErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxaid_db_queries_errors",
		Help: "Total number of failed DB queries",
	}, []string{"pool", "source"})
	reg.queriesRedis = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "fluxaid_redis_queries",
		Help: "Total number of Redis queries executed",
	}, []string{"operation", "pool", "source"})
	reg.queriesRedisErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "fluxaid_redis_queries_errors",
		Help: "Total number of failed Redis queries",
	}, []string{"pool", "source"})
	return reg
}
