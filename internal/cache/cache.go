// Package cache implements the shared response cache consulted by the
// execution unit before fetching static sub-resources.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/askrelay/internal/hash/sha256"
	"github.com/JakeFAU/askrelay/internal/metrics"
	"github.com/JakeFAU/askrelay/internal/search"
	"github.com/JakeFAU/askrelay/internal/storage"
)

const defaultWriteTimeout = 5 * time.Second

// Config controls write behaviour.
type Config struct {
	WriteTimeout time.Duration
}

// Cache is a read-through/write-through store of responses keyed by
// (method, url). Entries whose content type names HTML are never stored.
type Cache struct {
	store        storage.BlobStore
	hasher       *sha256.Hasher
	logger       *zap.Logger
	writeTimeout time.Duration

	pending sync.WaitGroup
}

// New wraps store.
func New(store storage.BlobStore, logger *zap.Logger, cfg Config) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Cache{
		store:        store,
		hasher:       sha256.New(),
		logger:       logger,
		writeTimeout: timeout,
	}
}

// Get returns the cached response for method and url. Store errors and
// undecodable entries are reported as misses.
func (c *Cache) Get(ctx context.Context, method, url string) (search.Response, bool) {
	data, err := c.store.Get(ctx, c.key(method, url))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.ObserveCacheLookup("miss")
			return search.Response{}, false
		}
		metrics.ObserveCacheLookup("error")
		c.logger.Debug("cache_read_error", zap.String("url", url), zap.Error(err))
		return search.Response{}, false
	}
	var resp search.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		metrics.ObserveCacheLookup("error")
		c.logger.Debug("cache_decode_error", zap.String("url", url), zap.Error(err))
		return search.Response{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return resp, true
}

// Put stores resp in the background and returns immediately. Document
// responses are dropped.
func (c *Cache) Put(method, url string, resp search.Response) {
	if IsDocument(resp.Headers) {
		metrics.ObserveCacheWrite("skipped")
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		metrics.ObserveCacheWrite("failed")
		c.logger.Debug("cache_encode_error", zap.String("url", url), zap.Error(err))
		return
	}
	key := c.key(method, url)

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if err := c.store.Put(ctx, key, data); err != nil {
			metrics.ObserveCacheWrite("failed")
			c.logger.Debug("cache_write_error", zap.String("url", url), zap.Error(err))
			return
		}
		metrics.ObserveCacheWrite("stored")
	}()
}

// Flush waits for in-flight writes or until ctx ends.
func (c *Cache) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) key(method, url string) string {
	sum := c.hasher.Key(strings.ToUpper(method), url)
	return sum[:2] + "/" + sum
}

// IsDocument reports whether headers carry an HTML content type.
func IsDocument(headers map[string]string) bool {
	for name, value := range headers {
		if strings.EqualFold(name, "content-type") && strings.Contains(strings.ToLower(value), "html") {
			return true
		}
	}
	return false
}
