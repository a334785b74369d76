package inference

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/model"
)

func TestCacheKey(t *testing.T) {
	d := time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)
	a := CacheKey("v000003", "new york", d, map[string]float64{"temp_avg_c": 20, "precip_mm": 1.5}, nil)
	b := CacheKey("v000003", "New_York", d.Add(-time.Hour), map[string]float64{"precip_mm": 1.5, "temp_avg_c": 20}, nil)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "airq:predict:v000003:New_York:2024-05-02:"))

	assert.NotEqual(t, a, CacheKey("v000004", "New_York", d, map[string]float64{"temp_avg_c": 20, "precip_mm": 1.5}, nil))
	assert.NotEqual(t, a, CacheKey("v000003", "New_York", d, map[string]float64{"temp_avg_c": 20.1, "precip_mm": 1.5}, nil))
	assert.NotEqual(t, a, CacheKey("v000003", "New_York", d, map[string]float64{"temp_avg_c": 20}, nil))
}

func TestCacheKey_TrailingHistory(t *testing.T) {
	d := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	w := map[string]float64{"temp_avg_c": 20}
	past := func(pm25 float64, lastDay int) []model.RawRecord {
		var out []model.RawRecord
		for day := 1; day <= lastDay; day++ {
			out = append(out, model.RawRecord{
				City:       "Beijing",
				Date:       d.AddDate(0, 0, day-3),
				Weather:    map[string]float64{"temp_avg_c": 18, "wind_speed_kmh": 4},
				Pollutants: map[string]float64{"pm25": pm25, "o3": 0.02},
			})
		}
		return out
	}

	base := CacheKey("v000001", "Beijing", d, w, past(80, 1))
	assert.Equal(t, base, CacheKey("v000001", "Beijing", d, w, past(80, 1)))
	// A newly arrived day changes the key.
	assert.NotEqual(t, base, CacheKey("v000001", "Beijing", d, w, past(80, 2)))
	// So does a corrected observation.
	assert.NotEqual(t, base, CacheKey("v000001", "Beijing", d, w, past(81, 1)))

	flagged := past(80, 1)
	flagged[0].Flags = []string{"estimated"}
	assert.NotEqual(t, base, CacheKey("v000001", "Beijing", d, w, flagged))
	assert.NotEqual(t, base, CacheKey("v000001", "Beijing", d, w, nil))
}

func sampleResponse() *Response {
	return &Response{
		City:         "Beijing",
		Version:      "v000001",
		Predictions:  map[string]float64{"pm25": 41.2},
		AQI:          115,
		PerPollutant: map[string]int{"pm25": 115},
	}
}

func TestMemoryCache_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(0)
	c.now = func() time.Time { return now }

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	in := sampleResponse()
	require.NoError(t, c.Set(ctx, "k", in, time.Minute))
	in.Predictions["pm25"] = 0

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 41.2, got.Predictions["pm25"])

	// Mutating a returned copy leaves the entry intact.
	got.PerPollutant["pm25"] = 1
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, 115, again.PerPollutant["pm25"])

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCache(0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", sampleResponse(), 0))
	now = now.AddDate(1, 0, 0)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)

	require.NoError(t, c.Set(ctx, "a", sampleResponse(), 0))
	require.NoError(t, c.Set(ctx, "b", sampleResponse(), 0))
	// Reading a makes b the oldest.
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", sampleResponse(), 0))

	assert.Equal(t, 2, c.Len())
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)

	// Zero TTL entries stay bounded.
	for i := range 50 {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), sampleResponse(), 0))
	}
	assert.Equal(t, 2, c.Len())
}

// fakeRedis answers GET and SET from a map without a server.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func (f *fakeRedis) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("fake redis: no dialing")
	}
}

func (f *fakeRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (f *fakeRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			cmd.SetErr(f.err)
			return f.err
		}
		args := cmd.Args()
		key := fmt.Sprint(args[1])
		switch c := cmd.(type) {
		case *redis.StringCmd:
			v, ok := f.data[key]
			if !ok {
				c.SetErr(redis.Nil)
				return redis.Nil
			}
			c.SetVal(v)
		case *redis.StatusCmd:
			switch val := args[2].(type) {
			case []byte:
				f.data[key] = string(val)
			default:
				f.data[key] = fmt.Sprint(val)
			}
			if len(args) == 5 {
				if n, ok := args[4].(int64); ok {
					if strings.EqualFold(fmt.Sprint(args[3]), "px") {
						f.ttls[key] = time.Duration(n) * time.Millisecond
					} else {
						f.ttls[key] = time.Duration(n) * time.Second
					}
				}
			}
			c.SetVal("OK")
		}
		return nil
	}
}

func newFakeRedis(t *testing.T) (*RedisCache, *fakeRedis) {
	t.Helper()
	f := &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client.AddHook(f)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client), f
}

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, f := newFakeRedis(t)

	_, ok, err := c.Get(ctx, "airq:predict:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "airq:predict:x", sampleResponse(), 10*time.Minute))
	assert.Contains(t, f.data["airq:predict:x"], `"composite_aqi":115`)
	assert.Equal(t, 10*time.Minute, f.ttls["airq:predict:x"])

	got, ok, err := c.Get(ctx, "airq:predict:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Beijing", got.City)
	assert.Equal(t, 41.2, got.Predictions["pm25"])
}

func TestRedisCache_Errors(t *testing.T) {
	ctx := context.Background()
	c, f := newFakeRedis(t)

	f.data["bad"] = "{not json"
	_, _, err := c.Get(ctx, "bad")
	assert.ErrorContains(t, err, "decode cached response")

	f.err = fmt.Errorf("connection refused")
	_, _, err = c.Get(ctx, "k")
	assert.ErrorContains(t, err, "redis get")
	assert.ErrorContains(t, c.Set(ctx, "k", sampleResponse(), time.Minute), "redis set")
}
