package testutil

import (
	"strings"
	"sync"
	"time"

	"evmigrate/internal/providers"
)

// MockLogger implements providers.Logger and records calls.
type MockLogger struct {
	mu   sync.Mutex
	Logs []LogEntry
}

type LogEntry struct {
	Level  string
	Type   providers.TypeEnum
	Format string
	Args   []interface{}
}

func (m *MockLogger) record(level string, t providers.TypeEnum, format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Type: t, Format: format, Args: args})
}

func (m *MockLogger) Errorf(t providers.TypeEnum, format string, args ...interface{}) {
	m.record("error", t, format, args...)
}
func (m *MockLogger) Warnf(t providers.TypeEnum, format string, args ...interface{}) {
	m.record("warn", t, format, args...)
}
func (m *MockLogger) Debugf(t providers.TypeEnum, format string, args ...interface{}) {
	m.record("debug", t, format, args...)
}
func (m *MockLogger) Infof(t providers.TypeEnum, format string, args ...interface{}) {
	m.record("info", t, format, args...)
}
func (m *MockLogger) Fatalf(t providers.TypeEnum, format string, args ...interface{}) {
	m.record("fatal", t, format, args...)
}
func (m *MockLogger) Close() {}

// Count returns how many entries were logged at level whose format contains
// substr. An empty substr matches everything.
func (m *MockLogger) Count(level, substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Logs {
		if e.Level == level && strings.Contains(e.Format, substr) {
			n++
		}
	}
	return n
}

// MockMetrics implements providers.MetricsProviderInterface.
type MockMetrics struct {
	mu                  sync.Mutex
	RecordsMigrated     int
	RecordsSkipped      int
	BatchesCommitted    int
	BatchDurations      []time.Duration
	CheckpointDurations []time.Duration
	Rollbacks           map[string]int
	SourceRecords       int64
	CacheHits           int
	CacheMisses         int
	CacheNamespaces     []string
	Flushes             int
	FlushErr            error
}

func (m *MockMetrics) IncRecordsMigrated(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsMigrated += n
}

func (m *MockMetrics) IncRecordsSkipped(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsSkipped += n
}

func (m *MockMetrics) IncBatchesCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesCommitted++
}

func (m *MockMetrics) ObserveBatchDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchDurations = append(m.BatchDurations, d)
}

func (m *MockMetrics) ObserveCheckpointDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CheckpointDurations = append(m.CheckpointDurations, d)
}

func (m *MockMetrics) IncRollbacks(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Rollbacks == nil {
		m.Rollbacks = make(map[string]int)
	}
	m.Rollbacks[status]++
}

func (m *MockMetrics) SetSourceRecords(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourceRecords = count
}

func (m *MockMetrics) IncCacheHits(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheHits++
	m.CacheNamespaces = append(m.CacheNamespaces, namespace)
}

func (m *MockMetrics) IncCacheMisses(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheMisses++
	m.CacheNamespaces = append(m.CacheNamespaces, namespace)
}

func (m *MockMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushes++
	return m.FlushErr
}

// MockCache implements providers.CacheProviderInterface on a plain map.
type MockCache struct {
	mu   sync.Mutex
	Data map[string][]byte
	Gets int
	Hits int
	Sets int
}

func NewMockCache() *MockCache {
	return &MockCache{Data: make(map[string][]byte)}
}

func (c *MockCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gets++
	v, ok := c.Data[key]
	if ok {
		c.Hits++
	}
	return v, ok
}

func (c *MockCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sets++
	c.Data[key] = append([]byte(nil), value...)
}
