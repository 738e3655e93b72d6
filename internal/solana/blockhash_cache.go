package solana

import (
	"context"
	"log"
	"sync"
	"time"
)

// BlockhashCache keeps a recent blockhash warm by listening to slot
// notifications over a WSClient and refetching the blockhash via
// RPCClient whenever a new slot arrives. Transaction submission reads
// from this cache instead of making a GetLatestBlockhash round trip on
// the hot path; it falls back to a direct RPC call if the cache has
// gone stale (the subscription dropped, or this is the very first
// transaction).
type BlockhashCache struct {
	rpc    RPCClient
	ws     WSClient
	logger *log.Logger

	mu       sync.RWMutex
	current  *Blockhash
	cachedAt time.Time

	staleAfter time.Duration
}

// NewBlockhashCache creates an empty cache. It starts no background
// work; call Run to refresh it, and cancel Run's ctx to stop.
func NewBlockhashCache(rpc RPCClient, ws WSClient, logger *log.Logger) *BlockhashCache {
	if logger == nil {
		logger = log.New(log.Writer(), "[blockhash] ", log.LstdFlags)
	}
	c := &BlockhashCache{
		rpc:        rpc,
		ws:         ws,
		logger:     logger,
		staleAfter: 60 * time.Second,
	}
	return c
}

// Run subscribes to slot notifications and refreshes the cached
// blockhash on every new slot until ctx is cancelled.
func (c *BlockhashCache) Run(ctx context.Context) error {
	slots, err := c.ws.SubscribeSlots(ctx)
	if err != nil {
		return err
	}

	// Warm the cache immediately so the first caller doesn't block.
	c.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-slots:
			if !ok {
				return nil
			}
			c.refresh(ctx)
		}
	}
}

func (c *BlockhashCache) refresh(ctx context.Context) {
	bh, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		c.logger.Printf("refresh blockhash: %v", err)
		return
	}
	c.mu.Lock()
	c.current = bh
	c.cachedAt = time.Now()
	c.mu.Unlock()
}

// Get returns the cached blockhash if it is fresh, falling back to a
// direct RPC call otherwise.
func (c *BlockhashCache) Get(ctx context.Context) (*Blockhash, error) {
	c.mu.RLock()
	bh := c.current
	fresh := bh != nil && time.Since(c.cachedAt) < c.staleAfter
	c.mu.RUnlock()

	if fresh {
		return bh, nil
	}

	bh, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = bh
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return bh, nil
}
