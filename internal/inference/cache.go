package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/model"
)

// Cache stores responses by request key. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, r *Response, ttl time.Duration) error
}

// CacheKey identifies a request against a specific model version. Weather
// values are hashed in key order so map iteration never changes the key.
// past is the trailing history a Historical mode read; a corrected or newly
// arrived observation changes the key. Today modes pass nil.
func CacheKey(version, city string, date time.Time, weather map[string]float64, past []model.RawRecord) string {
	h := sha256.New()
	writeValues(h, weather)
	for _, r := range past {
		h.Write([]byte{'|'})
		h.Write([]byte(features.NormalizeCity(r.City)))
		h.Write([]byte{'@'})
		h.Write([]byte(model.Day(r.Date).Format(model.DateLayout)))
		h.Write([]byte{'#'})
		writeValues(h, r.Weather)
		h.Write([]byte{'#'})
		writeValues(h, r.Pollutants)
		h.Write([]byte{'#'})
		h.Write([]byte(strings.Join(r.Flags, ",")))
	}
	digest := hex.EncodeToString(h.Sum(nil))[:16]

	return strings.Join([]string{
		"airq", "predict", version,
		features.NormalizeCity(city),
		model.Day(date).Format(model.DateLayout),
		digest,
	}, ":")
}

func writeValues(w io.Writer, values map[string]float64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = io.WriteString(w, k+"="+strconv.FormatFloat(values[k], 'g', -1, 64)+";")
	}
}

// DefaultMemoryEntries caps a MemoryCache created with a non-positive size.
const DefaultMemoryEntries = 10000

type memoryEntry struct {
	resp    Response
	expires time.Time
}

// MemoryCache is a process-local Cache holding at most a fixed number of
// entries; the least recently used is evicted first. Expired entries are
// dropped on read.
type MemoryCache struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryCache returns an empty MemoryCache holding up to maxEntries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, memoryEntry](maxEntries)
	return &MemoryCache{entries: entries, now: time.Now}
}

// Get returns a copy of the cached response.
func (c *MemoryCache) Get(_ context.Context, key string) (*Response, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		c.entries.Remove(key)
		return nil, false, nil
	}
	r := e.resp.clone()
	return &r, true, nil
}

// Set stores a copy of r. A zero ttl never expires, though the entry may
// still be evicted for space.
func (c *MemoryCache) Set(_ context.Context, key string, r *Response, ttl time.Duration) error {
	e := memoryEntry{resp: r.clone()}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries.Add(key, e)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}
