package quota

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-order/pkg/core"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_RejectsAfterNAndResets(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := New(nil, map[string]Limit{ProviderTranscription: {Requests: 3, Window: time.Minute}}, WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, ProviderTranscription); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	err := l.Allow(ctx, ProviderTranscription)
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("4th call err=%v, want rate limited", err)
	}
	var ce *core.Error
	if !errors.As(err, &ce) || ce.RetryAfter == nil || *ce.RetryAfter != 60 {
		t.Fatalf("retry after=%v", ce)
	}

	clk.Advance(30 * time.Second)
	if err := l.Allow(ctx, ProviderTranscription); err == nil {
		t.Fatalf("expected still limited mid-window")
	}

	clk.Advance(31 * time.Second)
	if err := l.Allow(ctx, ProviderTranscription); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func TestLimiter_ProvidersAreIndependent(t *testing.T) {
	l := New(nil, map[string]Limit{
		ProviderTranscription: {Requests: 1, Window: time.Minute},
		ProviderSynthesis:     {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()
	if err := l.Allow(ctx, ProviderTranscription); err != nil {
		t.Fatalf("stt: %v", err)
	}
	if err := l.Allow(ctx, ProviderSynthesis); err != nil {
		t.Fatalf("tts: %v", err)
	}
	if err := l.Allow(ctx, ProviderGeneration); err != nil {
		t.Fatalf("unlimited provider: %v", err)
	}
}

func TestLimiter_Status(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := New(nil, map[string]Limit{
		ProviderTranscription: {Requests: 5, Window: time.Minute},
		ProviderSynthesis:     {Requests: 2, Window: time.Second},
	}, WithClock(clk.Now))
	ctx := context.Background()
	_ = l.Allow(ctx, ProviderTranscription)
	_ = l.Allow(ctx, ProviderTranscription)

	st := l.Status(ctx)
	if len(st) != 2 || st[0].Provider != ProviderSynthesis || st[1].Provider != ProviderTranscription {
		t.Fatalf("status=%+v", st)
	}
	if st[1].Used != 2 || st[1].Remaining != 3 {
		t.Fatalf("transcription status=%+v", st[1])
	}
	if st[0].Used != 0 || st[0].Remaining != 2 {
		t.Fatalf("synthesis status=%+v", st[0])
	}
}

func TestLimiter_ConcurrentCountsAreExact(t *testing.T) {
	l := New(nil, map[string]Limit{ProviderIntent: {Requests: 10, Window: time.Hour}})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, ProviderIntent) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("allowed=%d, want 10", allowed)
	}
}

func TestRedisStore_Live(t *testing.T) {
	url := os.Getenv("VAI_ORDER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("VAI_ORDER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStoreFromURL(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	l := New(store, map[string]Limit{ProviderSynthesis: {Requests: 2, Window: 2 * time.Second}},
		WithKeyPrefix("vai-order-test:"+uuid.NewString()+":"))
	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, ProviderSynthesis); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if err := l.Allow(ctx, ProviderSynthesis); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("err=%v, want rate limited", err)
	}
	if st := l.Status(ctx); len(st) != 1 || st[0].Used != 3 {
		t.Fatalf("status=%+v", st)
	}
}
