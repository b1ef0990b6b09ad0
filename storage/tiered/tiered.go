// Package tiered layers two billing.DedupCache implementations: a fast Hot
// tier (in-process) in front of a shared Cold tier (e.g. Redis), so repeated
// deliveries to one instance never leave the process.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/subledger/pkg/billing"
)

// Config configures the tiered cache behavior
type Config struct {
	// Hot is the L1 cache consulted first (e.g., memory.DedupCache)
	Hot billing.DedupCache

	// Cold is the L2 cache shared between instances (e.g., redis.Cache)
	Cold billing.DedupCache

	// AsyncRemember writes to Cold from a background worker. If false,
	// Remember waits for both tiers.
	AsyncRemember bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async write fails or the queue is full
	AsyncErrorHandler func(error)
}

// Cache implements billing.DedupCache over a Hot and a Cold tier.
// Seen is read-through (Hot, then Cold, populating Hot on a Cold hit);
// Remember writes Hot first and then Cold.
type Cache struct {
	hot  billing.DedupCache
	cold billing.DedupCache
	conf Config

	syncQueue chan string
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ billing.DedupCache = (*Cache)(nil)

// New creates a new tiered cache.
func New(config Config) (*Cache, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered cache: both hot and cold caches are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	c := &Cache{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan string, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncRemember {
		c.startWorker()
	}
	return c, nil
}

// Close stops the async worker after draining queued writes
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case id := <-c.syncQueue:
				c.rememberCold(id)
			case <-c.shutdown:
				for {
					select {
					case id := <-c.syncQueue:
						c.rememberCold(id)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *Cache) rememberCold(eventID string) {
	if err := c.cold.Remember(context.Background(), eventID); err != nil {
		c.reportAsync(fmt.Errorf("tiered sync failed for %s: %w", eventID, err))
	}
}

func (c *Cache) reportAsync(err error) {
	if c.conf.AsyncErrorHandler != nil {
		c.conf.AsyncErrorHandler(err)
	}
}

// Seen implements billing.DedupCache with a read-through strategy.
// A Hot failure falls through to Cold.
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	if seen, err := c.hot.Seen(ctx, eventID); err == nil && seen {
		return true, nil
	}
	seen, err := c.cold.Seen(ctx, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		_ = c.hot.Remember(ctx, eventID)
	}
	return seen, nil
}

// Remember implements billing.DedupCache
func (c *Cache) Remember(ctx context.Context, eventID string) error {
	hotErr := c.hot.Remember(ctx, eventID)

	if !c.conf.AsyncRemember {
		if err := c.cold.Remember(ctx, eventID); err != nil {
			return err
		}
		return hotErr
	}

	select {
	case c.syncQueue <- eventID:
	default:
		c.reportAsync(fmt.Errorf("tiered sync queue full, dropped %s", eventID))
	}
	return hotErr
}
