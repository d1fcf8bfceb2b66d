package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRUCache is an in-process Cache bounded by size, with one TTL for every entry.
type LRUCache struct {
	lru *expirable.LRU[string, string]
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

var _ Cache = (*LRUCache)(nil)

func (c *LRUCache) Get(_ context.Context, key string) (string, error) {
	v, ok := c.lru.Get(key)
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

// Set ignores ttl; entries expire after the TTL given to NewLRUCache.
func (c *LRUCache) Set(_ context.Context, key string, value string, _ time.Duration) error {
	c.lru.Add(key, value)
	return nil
}

func (c *LRUCache) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		if c.lru.Remove(k) {
			n++
		}
	}
	return n, nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

func (c *LRUCache) Close() error {
	c.lru.Purge()
	return nil
}
