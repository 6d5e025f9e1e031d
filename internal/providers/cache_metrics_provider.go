package providers

import "evmigrate/internal/structures"

// MetricsCacheProvider wraps a CacheProviderInterface and counts every Get
// as a hit or a miss against the key's namespace.
type MetricsCacheProvider struct {
	inner   CacheProviderInterface
	metrics MetricsProviderInterface
}

func (c *MetricsCacheProvider) Get(key string) ([]byte, bool) {
	val, ok := c.inner.Get(key)
	if ns := CacheNamespace(key); ok {
		c.metrics.IncCacheHits(ns)
	} else {
		c.metrics.IncCacheMisses(ns)
	}
	return val, ok
}

func (c *MetricsCacheProvider) Set(key string, value []byte) {
	c.inner.Set(key, value)
}

// NewInstrumentedCacheProvider wraps the source statistics cache with hit/miss
// counters. A disabled cache is returned bare so it reports no misses.
func NewInstrumentedCacheProvider(conf *structures.Config, logger Logger, metrics MetricsProviderInterface) CacheProviderInterface {
	inner := NewCacheProvider(conf, logger)
	if _, noop := inner.(*noopCache); noop {
		return inner
	}
	return &MetricsCacheProvider{
		inner:   inner,
		metrics: metrics,
	}
}
