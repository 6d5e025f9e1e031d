package providers

import (
	"strings"
	"unsafe"

	"evmigrate/internal/structures"

	"github.com/coocood/freecache"
)

// CacheNamespaceSourceStats holds serialized v3 source statistics keyed by
// file identity, so an unchanged source file is scanned once per process.
const CacheNamespaceSourceStats = "v3stats"

const cacheKeySep = "|"

// CacheKey joins a namespace and its key parts. The namespace is the first
// segment and labels the hit/miss counters.
func CacheKey(namespace string, parts ...string) string {
	return strings.Join(append([]string{namespace}, parts...), cacheKeySep)
}

// CacheNamespace returns the namespace segment of a key built by CacheKey.
func CacheNamespace(key string) string {
	ns, _, _ := strings.Cut(key, cacheKeySep)
	return ns
}

type CacheProviderInterface interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
}

type CacheProvider struct {
	cache  *freecache.Cache
	ttl    int
	logger Logger
}

func NewCacheProvider(conf *structures.Config, logger Logger) CacheProviderInterface {
	if !conf.Cache.Enabled || conf.Cache.Size <= 0 {
		logger.Debugf(TypeApp, "Cache disabled")
		return &noopCache{}
	}

	sizeBytes := conf.Cache.Size * 1024 * 1024
	ttl := max(int(conf.Cache.TTL.Seconds()), 1)

	logger.Debugf(TypeApp, "Cache initialized: %dMB, TTL=%ds", conf.Cache.Size, ttl)

	return &CacheProvider{
		cache:  freecache.NewCache(sizeBytes),
		ttl:    ttl,
		logger: logger,
	}
}

// unsafeStringToBytes converts string to []byte without allocation.
// freecache copies keys internally, so the result is only read.
func unsafeStringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func (c *CacheProvider) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get(unsafeStringToBytes(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *CacheProvider) Set(key string, value []byte) {
	// freecache rejects entries above 1/1024 of its size
	if err := c.cache.Set(unsafeStringToBytes(key), value, c.ttl); err != nil {
		c.logger.Debugf(TypeApp, "Cache entry %s not stored (%d bytes): %v", CacheNamespace(key), len(value), err)
	}
}

type noopCache struct{}

func (n *noopCache) Get(_ string) ([]byte, bool) { return nil, false }
func (n *noopCache) Set(_ string, _ []byte)      {}
