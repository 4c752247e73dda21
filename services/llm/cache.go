// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures the ResponseCache.
type CacheConfig struct {
	// Enabled turns the cache on. The client ignores the rest when false.
	Enabled bool `yaml:"enabled"`

	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string `yaml:"path" validate:"required_if=Enabled true InMemory false"`

	// InMemory keeps entries in memory only. Useful for tests.
	InMemory bool `yaml:"in_memory"`

	// TTL is how long a completion stays valid.
	// Default: 10m
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// GCInterval is how often to run value log garbage collection.
	// Default: 5m. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// DefaultCacheConfig returns a disabled cache with a 10 minute TTL.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Path:       "./data/completion-cache",
		TTL:        10 * time.Minute,
		GCInterval: 5 * time.Minute,
	}
}

// ResponseCache stores non-streaming completions in BadgerDB.
//
// # Description
//
// Entries are keyed by a SHA-256 of the model and both Turn messages and
// expire after TTL. Identical concurrent lookups that miss are collapsed
// with singleflight so only one backend call runs; the others share its
// result, including its error.
//
// # Limitations
//
// The shared call runs under the first caller's context. If that caller
// goes away, the others see its cancellation error.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResponseCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group

	stopGC   chan struct{}
	gcDone   chan struct{}
	stopOnce sync.Once
}

// OpenResponseCache opens (or creates) the cache database.
func OpenResponseCache(cfg CacheConfig, logger *slog.Logger) (*ResponseCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open completion cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheConfig().TTL
	}
	c := &ResponseCache{
		db:     db,
		ttl:    ttl,
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go c.runGC(cfg.GCInterval)
	} else {
		close(c.gcDone)
	}
	return c, nil
}

// Key derives the cache key for a model and turn.
func (c *ResponseCache) Key(model string, turn Turn) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(turn.System))
	h.Write([]byte{0})
	h.Write([]byte(turn.User))
	return "completion:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached completion for key.
func (c *ResponseCache) Get(key string) (string, bool, error) {
	var value string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cache entry: %w", err)
	}
	return value, true, nil
}

// Put stores value under key with the cache TTL.
func (c *ResponseCache) Put(key, value string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), []byte(value)).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Do returns the cached value for key, or runs fn once for all concurrent
// callers of the same key and caches a successful result.
//
// Cache read and write failures are logged and never fail the call.
func (c *ResponseCache) Do(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (string, bool, error) {
	if value, ok, err := c.Get(key); err != nil {
		c.logger.Warn("Completion cache read failed", "error", err)
	} else if ok {
		return value, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := fn(ctx)
		if err != nil {
			return "", err
		}
		if putErr := c.Put(key, value); putErr != nil {
			c.logger.Warn("Completion cache write failed", "error", putErr)
		}
		return value, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// Close stops garbage collection and closes the database.
func (c *ResponseCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopGC) })
	<-c.gcDone
	return c.db.Close()
}

func (c *ResponseCache) runGC(interval time.Duration) {
	defer close(c.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing was collected.
			for c.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// badgerLogger routes BadgerDB's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "completion_cache")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "completion_cache")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "completion_cache")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "completion_cache")
}
