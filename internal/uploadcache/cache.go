// Package uploadcache deduplicates provider uploads by content fingerprint.
package uploadcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/h2a-dev/genq/internal/log"
	"github.com/h2a-dev/genq/internal/model"
)

const hashChunkSize = 8192

// UploadFunc uploads content and returns its remote URL.
type UploadFunc func(ctx context.Context, content []byte) (string, error)

// Result is the result of a cache lookup.
type Result struct {
	URL    string
	Cached bool
	Hash   string
}

// Config is the configuration of the upload cache.
type Config struct {
	// MaxSize is the max number of entries, the oldest inserted ones are evicted.
	MaxSize int
	// TTL is the lifetime of an entry. Negative disables expiration.
	TTL time.Duration
	// Now returns the current time.
	Now    func() time.Time
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("max size can't be negative")
	}
	if c.MaxSize == 0 {
		c.MaxSize = 100
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "uploadcache.Cache"})
	return nil
}

// Cache is a bounded content addressed cache of uploaded references.
// Concurrent misses of the same content share a single upload.
type Cache struct {
	cfg    Config
	logger log.Logger
	group  singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // Front is the oldest insertion.
	hits    int
	misses  int
}

// New returns a new upload cache.
func New(cfg Config) (*Cache, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: map[string]*list.Element{},
		order:   list.New(),
	}, nil
}

// GetOrUpload returns the URL of the content, uploading it only if it's not cached.
func (c *Cache) GetOrUpload(ctx context.Context, content []byte, upload UploadFunc) (Result, error) {
	hash := Fingerprint(content)
	return c.getOrUpload(ctx, hash, func(ctx context.Context) (string, error) {
		return upload(ctx, content)
	})
}

// GetOrUploadFile is like GetOrUpload but hashes the file in chunks and only reads
// it fully when it needs to be uploaded.
func (c *Cache) GetOrUploadFile(ctx context.Context, path string, upload UploadFunc) (Result, error) {
	hash, err := FingerprintFile(path)
	if err != nil {
		return Result{}, err
	}

	return c.getOrUpload(ctx, hash, func(ctx context.Context) (string, error) {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("could not read file: %w", err)
		}
		return upload(ctx, content)
	})
}

func (c *Cache) getOrUpload(ctx context.Context, hash string, upload func(ctx context.Context) (string, error)) (Result, error) {
	if url, ok := c.lookup(hash, true); ok {
		c.logger.Debugf("Upload cache hit for %s", hash)
		return Result{URL: url, Cached: true, Hash: hash}, nil
	}

	// Only the leader of the flight uploads, the rest reuse its result.
	uploaded := false
	v, err, _ := c.group.Do(hash, func() (any, error) {
		// The previous flight may have stored it already.
		if url, ok := c.lookup(hash, false); ok {
			return url, nil
		}

		uploaded = true
		url, err := upload(ctx)
		if err != nil {
			return "", err
		}
		c.put(hash, url)
		return url, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("could not upload content: %w", err)
	}

	if uploaded {
		c.logger.Debugf("Uploaded content %s", hash)
	}

	return Result{URL: v.(string), Cached: !uploaded, Hash: hash}, nil
}

func (c *Cache) lookup(hash string, record bool) (url string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		switch {
		case !record:
		case ok:
			c.hits++
		default:
			c.misses++
		}
	}()

	elem, found := c.entries[hash]
	if !found {
		return "", false
	}

	entry := elem.Value.(model.UploadCacheEntry)
	if c.expired(entry) {
		c.order.Remove(elem)
		delete(c.entries, hash)
		return "", false
	}

	return entry.URL, true
}

func (c *Cache) put(hash, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[hash]; ok {
		c.order.Remove(elem)
	}
	c.entries[hash] = c.order.PushBack(model.UploadCacheEntry{
		Hash:       hash,
		URL:        url,
		InsertedAt: c.cfg.Now().UTC(),
	})

	for c.order.Len() > c.cfg.MaxSize {
		oldest := c.order.Front()
		entry := c.order.Remove(oldest).(model.UploadCacheEntry)
		delete(c.entries, entry.Hash)
		c.logger.Debugf("Evicted upload cache entry %s", entry.Hash)
	}
}

func (c *Cache) expired(e model.UploadCacheEntry) bool {
	return c.cfg.TTL > 0 && c.cfg.Now().Sub(e.InsertedAt) > c.cfg.TTL
}

// Entries returns the current entries from oldest to newest insertion.
func (c *Cache) Entries() []model.UploadCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]model.UploadCacheEntry, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(model.UploadCacheEntry))
	}
	return entries
}

// Stats returns the cache stats.
func (c *Cache) Stats() model.UploadCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := model.UploadCacheStats{
		Size:    c.order.Len(),
		MaxSize: c.cfg.MaxSize,
		TTL:     c.cfg.TTL,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if front := c.order.Front(); front != nil {
		t := front.Value.(model.UploadCacheEntry).InsertedAt
		stats.OldestEntry = &t
	}
	return stats
}

// Clear removes all the entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]*list.Element{}
	c.order.Init()
	c.logger.Infof("Upload cache cleared")
}

// Fingerprint returns the hex encoded sha256 of the content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FingerprintFile returns the hex encoded sha256 of a file.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open file: %w: %w", model.ErrNotValid, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, hashChunkSize)); err != nil {
		return "", fmt.Errorf("could not hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
