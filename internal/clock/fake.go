package clock

import (
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests.
type Fake struct {
	mu           sync.Mutex
	now          time.Time
	tickers      []*fakeTicker
	afterWaiters []afterWaiter
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	// Delivered by Advance once f.now reaches target; for tests that
	// never advance, this channel simply never fires.
	f.mu.Lock()
	f.afterWaiters = append(f.afterWaiters, afterWaiter{target, ch})
	f.mu.Unlock()
	return ch
}

type afterWaiter struct {
	target time.Time
	ch     chan time.Time
}

// Advance moves the fake clock forward, firing any tickers and After
// channels whose target has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fired []afterWaiter
	remaining := f.afterWaiters[:0]
	for _, w := range f.afterWaiters {
		if !now.Before(w.target) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.afterWaiters = remaining
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, w := range fired {
		select {
		case w.ch <- now:
		default:
		}
	}
	for _, t := range tickers {
		t.maybeFire(now)
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{clock: f, interval: d, ch: make(chan time.Time, 1), next: f.Now().Add(d)}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	ch       chan time.Time
	mu       sync.Mutex
	next     time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTicker) maybeFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if !now.Before(t.next) {
		select {
		case t.ch <- now:
		default:
		}
		t.next = now.Add(t.interval)
	}
}
