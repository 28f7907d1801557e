package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClaim_SingleHolder(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	won, err := g.Claim(ctx, "evt-c", "w1", time.Minute)
	if err != nil || !won {
		t.Fatalf("expected first claim to win, got %v err=%v", won, err)
	}
	won, err = g.Claim(ctx, "evt-c", "w2", time.Minute)
	if err != nil || won {
		t.Fatalf("expected second owner to lose, got %v err=%v", won, err)
	}
	won, err = g.Claim(ctx, "evt-c", "w1", time.Minute)
	if err != nil || !won {
		t.Fatalf("expected holder to renew, got %v err=%v", won, err)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	g, _ := newTestGuard(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := g.Claim(context.Background(), "evt-race", string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestClaim_ExpiredClaimTakenOver(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	if won, _ := g.Claim(ctx, "evt-x", "crashed", 10*time.Millisecond); !won {
		t.Fatal("expected first claim to win")
	}
	time.Sleep(30 * time.Millisecond)

	won, err := g.Claim(ctx, "evt-x", "w2", time.Minute)
	if err != nil || !won {
		t.Fatalf("expected lapsed claim to be taken over, got %v err=%v", won, err)
	}
}

func TestUnclaim_FreesEvent(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	g.Claim(ctx, "evt-u", "w1", time.Minute)

	if err := g.Unclaim(ctx, "evt-u", "w2"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if won, _ := g.Claim(ctx, "evt-u", "w2", time.Minute); won {
		t.Fatal("a non-holder must not release the claim")
	}

	if err := g.Unclaim(ctx, "evt-u", "w1"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if won, _ := g.Claim(ctx, "evt-u", "w2", time.Minute); !won {
		t.Fatal("expected released claim to be available")
	}
}

func TestMarkDelivered(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	delivered, err := g.Delivered(ctx, "evt-d")
	if err != nil || delivered {
		t.Fatalf("expected unknown event to be undelivered, got %v err=%v", delivered, err)
	}

	g.Claim(ctx, "evt-d", "w1", time.Minute)
	if delivered, _ := g.Delivered(ctx, "evt-d"); delivered {
		t.Fatal("a claim alone is not a delivery")
	}
	if err := g.MarkDelivered(ctx, "evt-d"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := g.MarkDelivered(ctx, "evt-d"); err != nil {
		t.Fatalf("second mark delivered: %v", err)
	}

	delivered, err = g.Delivered(ctx, "evt-d")
	if err != nil || !delivered {
		t.Fatalf("expected delivered, got %v err=%v", delivered, err)
	}
}
