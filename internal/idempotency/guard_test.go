package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
)

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
	down bool
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]string)} }

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", false, errors.New("cache down")
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, val string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("cache down")
	}
	c.data[key] = val
	return nil
}

func (c *fakeCache) SetNX(_ context.Context, key, val string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return false, errors.New("cache down")
	}
	if _, ok := c.data[key]; ok {
		return false, nil
	}
	c.data[key] = val
	return true, nil
}

func (c *fakeCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

type fakeArchive struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
}

func newFakeArchive() *fakeArchive { return &fakeArchive{data: make(map[string][]byte)} }

func (a *fakeArchive) Lookup(_ context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return nil, errors.New("archive down")
	}
	return a.data[key], nil
}

func (a *fakeArchive) Save(_ context.Context, key string, payload []byte, _ time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return errors.New("archive down")
	}
	a.data[key] = payload
	return nil
}

func sampleResponse() *domain.DecisionResponse {
	return &domain.DecisionResponse{
		TransactionID:  "t1",
		IdempotencyKey: "k1",
		Decision:       domain.DecisionBlock,
		PolicyVersion:  "v3",
	}
}

func TestFreshKeyMisses(t *testing.T) {
	g := NewGuard(newFakeCache(), newFakeArchive(), zap.NewNop())
	resp, err := g.Check(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestFreshKeyReserved(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, newFakeArchive(), zap.NewNop())
	ctx := context.Background()

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, resp)

	// Ключ занят маркером: второй конвейер на нем уже не стартует
	v, ok, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pendingMarker, v)
}

func TestDuplicateConvergesOnHolderResult(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, newFakeArchive(), zap.NewNop())
	ctx := context.Background()

	// Держатель зарезервировал ключ и считает решение
	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, resp)

	type out struct {
		resp *domain.DecisionResponse
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		r, err := g.Check(ctx, "k1")
		ch <- out{r, err}
	}()

	// Дубль висит на маркере, пока держатель не зафиксирует ответ
	time.Sleep(50 * time.Millisecond)
	g.Store(ctx, "k1", sampleResponse())

	got := <-ch
	require.NoError(t, got.err)
	require.NotNil(t, got.resp)
	assert.True(t, got.resp.Cached)
	assert.Equal(t, domain.DecisionBlock, got.resp.Decision)
}

func TestDeadHolderKeyTakenOver(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, newFakeArchive(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k1", pendingMarker, time.Hour))
	// Маркер истекает, пока дубль ждет: держатель умер без результата
	go func() {
		time.Sleep(60 * time.Millisecond)
		cache.drop("k1")
	}()

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp) // ключ перешел к нам

	v, ok, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pendingMarker, v)
}

func TestInFlightWhenHolderNeverFinishes(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, newFakeArchive(), zap.NewNop())

	require.NoError(t, cache.Set(context.Background(), "k1", pendingMarker, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Check(ctx, "k1")
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestStoreThenCheckReturnsCachedFlag(t *testing.T) {
	g := NewGuard(newFakeCache(), newFakeArchive(), zap.NewNop())
	ctx := context.Background()

	g.Store(ctx, "k1", sampleResponse())

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, domain.DecisionBlock, resp.Decision)
	assert.True(t, resp.Cached)
}

func TestArchiveServesWhenCacheCold(t *testing.T) {
	cache := newFakeCache()
	archive := newFakeArchive()
	g := NewGuard(cache, archive, zap.NewNop())
	ctx := context.Background()

	g.Store(ctx, "k1", sampleResponse())
	// Кэш остыл (рестарт Redis), архив жив
	cache.mu.Lock()
	cache.data = make(map[string]string)
	cache.mu.Unlock()

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "t1", resp.TransactionID)

	// Попадание прогрело кэш обратно
	cache.mu.Lock()
	assert.Len(t, cache.data, 1)
	cache.mu.Unlock()
}

func TestCacheDownArchiveServes(t *testing.T) {
	cache := newFakeCache()
	archive := newFakeArchive()
	g := NewGuard(cache, archive, zap.NewNop())
	ctx := context.Background()

	g.Store(ctx, "k1", sampleResponse())
	cache.mu.Lock()
	cache.down = true
	cache.mu.Unlock()

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Cached)
}

func TestBothTiersDown(t *testing.T) {
	cache := newFakeCache()
	archive := newFakeArchive()
	cache.down = true
	archive.down = true
	g := NewGuard(cache, archive, zap.NewNop())

	_, err := g.Check(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrStoreDown)
}

func TestArchiveDownCacheAlive(t *testing.T) {
	cache := newFakeCache()
	archive := newFakeArchive()
	g := NewGuard(cache, archive, zap.NewNop())
	ctx := context.Background()

	archive.mu.Lock()
	archive.down = true
	archive.mu.Unlock()

	// Свежий ключ при живом кэше — решаем как обычно
	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCorruptedPayloadTreatedAsMiss(t *testing.T) {
	cache := newFakeCache()
	g := NewGuard(cache, newFakeArchive(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k1", "{not-json", time.Hour))

	resp, err := g.Check(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, resp)
}
