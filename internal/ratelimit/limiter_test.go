package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppirong/townly-sub003/internal/failure"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 9, 28, 9, 0, 0, 0, time.UTC)}
	return New(limit, time.Hour, WithClock(clock.Now), WithName("test")), clock
}

func TestLimiterWindow(t *testing.T) {
	l, clock := newTestLimiter(50)

	for i := 0; i < 50; i++ {
		if !l.CanMakeRequest() {
			t.Fatalf("CanMakeRequest false after %d calls", i)
		}
		l.RecordRequest()
		clock.Advance(time.Second)
	}

	if l.CanMakeRequest() {
		t.Fatal("51st call allowed inside the window")
	}
	wait := l.WaitTime()
	if wait <= 0 || wait > time.Hour {
		t.Fatalf("WaitTime = %v, want (0, 1h]", wait)
	}

	clock.Advance(wait)
	if !l.CanMakeRequest() {
		t.Fatalf("call not allowed after waiting %v", wait)
	}
	if got := l.WaitTime(); got != 0 {
		t.Errorf("WaitTime after expiry = %v, want 0", got)
	}
}

func TestCanMakeRequestIsPure(t *testing.T) {
	l, _ := newTestLimiter(2)
	for i := 0; i < 10; i++ {
		l.CanMakeRequest()
	}
	if st := l.Stats(); st.Used != 0 {
		t.Errorf("Used = %d after only checks, want 0", st.Used)
	}
}

func TestTryAcquire(t *testing.T) {
	l, clock := newTestLimiter(2)

	if err := l.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if err := l.TryAcquire(); err != nil {
		t.Fatalf("second TryAcquire: %v", err)
	}
	err := l.TryAcquire()
	if !errors.Is(err, failure.ErrQuotaExceeded) {
		t.Fatalf("third TryAcquire = %v, want quota exceeded", err)
	}

	clock.Advance(time.Hour + time.Second)
	if err := l.TryAcquire(); err != nil {
		t.Errorf("TryAcquire after window: %v", err)
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	l, _ := newTestLimiter(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Errorf("granted = %d, want 10", granted)
	}
}

func TestStatsAndReset(t *testing.T) {
	l, clock := newTestLimiter(3)
	l.RecordRequest()
	l.RecordRequest()

	st := l.Stats()
	if st.Used != 2 || st.Remaining != 1 || st.Limit != 3 {
		t.Errorf("Stats = %+v, want used=2 remaining=1 limit=3", st)
	}
	if !st.WindowStart.Equal(clock.Now().Add(-time.Hour)) {
		t.Errorf("WindowStart = %v", st.WindowStart)
	}

	l.Reset()
	if st := l.Stats(); st.Used != 0 || st.Remaining != 3 {
		t.Errorf("Stats after Reset = %+v", st)
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)
	st := l.Stats()
	if st.Limit != DefaultLimit || st.Window != DefaultWindow {
		t.Errorf("defaults = %d/%v, want %d/%v", st.Limit, st.Window, DefaultLimit, DefaultWindow)
	}
}
