package idgen

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_TenThousandDistinct(t *testing.T) {
	g := New()
	seen := make(map[string]struct{}, 10_000)
	for i := 0; i < 10_000; i++ {
		id := g.Generate("evt")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s after %d calls", id, i)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 10_000)
}

func TestGenerate_FrozenClockStillUnique(t *testing.T) {
	g := New()
	frozen := time.Unix(1700000000, 0)
	g.now = func() time.Time { return frozen }

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		seen[g.Generate("run")] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestGenerate_ConcurrentCallers(t *testing.T) {
	g := New()
	const workers, perWorker = 8, 2000

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Generate("evt"))
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestGenerate_PrefixIsStable(t *testing.T) {
	id := Generate("ckpt")
	assert.True(t, strings.HasPrefix(id, "ckpt_"))
	assert.Equal(t, "ckpt", Prefix(id))
}

func TestGenerate_RandomPartCarriesEnoughEntropy(t *testing.T) {
	id := New().Generate("x")
	parts := strings.Split(strings.TrimPrefix(id, "x_"), "-")
	require.Len(t, parts, 4)
	// 32 hex digits = 128 bits of which 122 are random
	assert.Len(t, parts[3], 32)
}

func TestGenerate_EmptyPrefix(t *testing.T) {
	id := New().Generate("")
	assert.False(t, strings.HasPrefix(id, "_"))
	assert.Equal(t, "", Prefix(id))
}
