package core

import (
	"context"
	"sync"
	"time"

	"github.com/encodeous/bristlemouth/state"
	"github.com/jellydator/ttlcache/v3"
)

// Correlator matches replies to outstanding requests by the node they were sent to.
// Entries that see no reply within the ttl are handed to Expire, which completes them with nil.
type Correlator[R any] struct {
	cache *ttlcache.Cache[state.NodeId, []func(*R)]

	mu      sync.Mutex
	expired [][]func(*R)
}

func NewCorrelator[R any](ttl time.Duration) *Correlator[R] {
	c := &Correlator[R]{
		cache: ttlcache.New[state.NodeId, []func(*R)](
			ttlcache.WithTTL[state.NodeId, []func(*R)](ttl),
			ttlcache.WithDisableTouchOnHit[state.NodeId, []func(*R)](),
		),
	}
	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[state.NodeId, []func(*R)]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expired = append(c.expired, item.Value())
	})
	return c
}

// Track registers cb to receive the next reply from node. Several requests to one node share a single expiry.
func (c *Correlator[R]) Track(node state.NodeId, cb func(*R)) {
	// an expired entry must reach the eviction hook before Set replaces it
	c.cache.DeleteExpired()
	var cbs []func(*R)
	if item := c.cache.Get(node); item != nil {
		cbs = item.Value()
	}
	c.cache.Set(node, append(cbs, cb), ttlcache.DefaultTTL)
}

// Resolve completes every request waiting on node. It returns false if none were.
func (c *Correlator[R]) Resolve(node state.NodeId, reply *R) bool {
	item, ok := c.cache.GetAndDelete(node)
	if !ok {
		return false
	}
	for _, cb := range item.Value() {
		if cb != nil {
			cb(reply)
		}
	}
	return true
}

func (c *Correlator[R]) Pending(node state.NodeId) bool {
	return c.cache.Get(node) != nil
}

// Forget drops the requests waiting on node without completing them
func (c *Correlator[R]) Forget(node state.NodeId) {
	c.cache.Delete(node)
}

func (c *Correlator[R]) Len() int {
	return c.cache.Len()
}

// Expire removes timed out entries and completes them with nil. Must run on the main loop.
// ttlcache reports evictions asynchronously, so an entry may only complete on a later call.
func (c *Correlator[R]) Expire() int {
	c.cache.DeleteExpired()
	c.mu.Lock()
	expired := c.expired
	c.expired = nil
	c.mu.Unlock()
	n := 0
	for _, cbs := range expired {
		for _, cb := range cbs {
			if cb != nil {
				cb(nil)
			}
			n++
		}
	}
	return n
}
