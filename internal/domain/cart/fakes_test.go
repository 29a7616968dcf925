package cart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/core/types"
	"storefront/internal/domain/location"
)

// manualClock fires timers only when the test advances it.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the caller's goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type cartCall struct {
	op    string
	key   LineKey
	delta int
}

// fakeCart is an in-memory remote cart. New lines are put first in the
// returned order, like a server sorting by recency.
type fakeCart struct {
	mu    sync.Mutex
	qty   map[LineKey]int
	order []LineKey
	calls []cartCall
	errs  map[string][]error
	gates map[LineKey]chan struct{}

	// replies holds back responses for a key after the server applied them.
	replies map[LineKey]chan struct{}
}

func newFakeCart(items ...LineItem) *fakeCart {
	f := &fakeCart{
		qty:     make(map[LineKey]int),
		errs:    make(map[string][]error),
		gates:   make(map[LineKey]chan struct{}),
		replies: make(map[LineKey]chan struct{}),
	}
	for _, it := range items {
		f.qty[it.Key] = it.Quantity
		f.order = append(f.order, it.Key)
	}
	return f
}

// failNext queues err for the next op ("apply" or "remove") on key.
// A nil entry lets that attempt through.
func (f *fakeCart) failNext(op string, key LineKey, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := op + ":" + key.String()
	f.errs[name] = append(f.errs[name], errs...)
}

// hold makes calls on key block until the returned func is called.
func (f *fakeCart) hold(key LineKey) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// holdReply makes ApplyDelta on key take effect on the server at once but
// return its snapshot only when the returned func is called.
func (f *fakeCart) holdReply(key LineKey) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.replies[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// serverQuantity returns the quantity the server holds for key.
func (f *fakeCart) serverQuantity(key LineKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qty[key]
}

func (f *fakeCart) enter(op string, key LineKey, delta int) error {
	f.mu.Lock()
	f.calls = append(f.calls, cartCall{op: op, key: key, delta: delta})
	gate := f.gates[key]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := op + ":" + key.String()
	if queue := f.errs[name]; len(queue) > 0 {
		f.errs[name] = queue[1:]
		return queue[0]
	}
	return nil
}

func (f *fakeCart) GetCart(context.Context, string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(), nil
}

func (f *fakeCart) ApplyDelta(_ context.Context, _ string, key LineKey, delta int) (Snapshot, error) {
	if err := f.enter("apply", key, delta); err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	if _, ok := f.qty[key]; !ok {
		f.order = append([]LineKey{key}, f.order...)
	}
	f.qty[key] += delta
	if f.qty[key] <= 0 {
		f.removeLocked(key)
	}
	snap := f.snapshotLocked()
	reply := f.replies[key]
	f.mu.Unlock()

	if reply != nil {
		<-reply
	}
	return snap, nil
}

func (f *fakeCart) Remove(_ context.Context, _ string, key LineKey) error {
	if err := f.enter("remove", key, 0); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(key)
	return nil
}

func (f *fakeCart) removeLocked(key LineKey) {
	delete(f.qty, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *fakeCart) snapshotLocked() Snapshot {
	snap := Snapshot{Total: types.Zero()}
	for _, k := range f.order {
		snap.Items = append(snap.Items, LineItem{Key: k, Quantity: f.qty[k]})
	}
	return snap
}

func (f *fakeCart) recorded() []cartCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cartCall(nil), f.calls...)
}

// fakePricing serves fixed prices; fail makes a product error out.
type fakePricing struct {
	mu     sync.Mutex
	prices map[int64]string
	fail   map[int64]error
	calls  map[string]int
	gate   chan struct{}
}

func newFakePricing(prices map[int64]string) *fakePricing {
	return &fakePricing{
		prices: prices,
		fail:   make(map[int64]error),
		calls:  make(map[string]int),
	}
}

func (p *fakePricing) GetProduct(ctx context.Context, productID int64, loc location.Context) (ProductSnapshot, error) {
	p.mu.Lock()
	p.calls[fmt.Sprintf("%d|%s", productID, loc.PricingKey())]++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ProductSnapshot{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[productID]; err != nil {
		return ProductSnapshot{}, err
	}
	price, ok := p.prices[productID]
	if !ok {
		return ProductSnapshot{}, fmt.Errorf("no price for %d", productID)
	}
	return ProductSnapshot{
		ProductID: productID,
		Name:      fmt.Sprintf("product %d", productID),
		UnitPrice: types.MustMoney(price),
	}, nil
}

func (p *fakePricing) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// switchableLocation is a LocationSource the test can repoint.
type switchableLocation struct {
	mu  sync.Mutex
	ctx location.Context
}

func (s *switchableLocation) Resolve(context.Context) location.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *switchableLocation) set(c location.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = c
}

func keysOf(lines []LineItem) []LineKey {
	out := make([]LineKey, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Key)
	}
	return out
}

func sortedCalls(calls []cartCall) []cartCall {
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].key.String() < calls[j].key.String() })
	return calls
}
