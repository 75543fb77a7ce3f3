package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-order/pkg/core/voice/tts"
)

const sharedSynthesisTimeout = 30 * time.Second

// speechCache holds synthesized audio keyed by text and voice settings.
// Entries are shared between callers and must not be modified.
type speechCache struct {
	mu    sync.Mutex
	lru   *lru.Cache
	group singleflight.Group
}

func newSpeechCache(size int) *speechCache {
	return &speechCache{lru: lru.New(size)}
}

func speechKey(text string, opts tts.SynthesizeOptions) string {
	return fmt.Sprintf("%s|%s|%g|%s|%d|%s", opts.Voice, opts.Format, opts.Speed, opts.Language, opts.SampleRate, text)
}

func (c *speechCache) get(key string) (*tts.Synthesis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*tts.Synthesis), true
}

// do runs fn once per key among concurrent callers and caches success.
// The shared call is detached from any single caller's cancellation, so a
// call whose callers have all gone away, including through a session close,
// still runs until it finishes or hits sharedSynthesisTimeout. Callers stop
// waiting as soon as their own ctx ends. The result is cached for the next
// caller.
func (c *speechCache) do(ctx context.Context, key string, fn func(context.Context) (*tts.Synthesis, error)) (*tts.Synthesis, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedSynthesisTimeout)
		defer cancel()
		syn, err := fn(callCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.lru.Add(key, syn)
		c.mu.Unlock()
		return syn, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*tts.Synthesis), nil
	}
}

func (c *speechCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
