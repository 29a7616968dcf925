package cart

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/internal/core/apperror"
	"storefront/internal/core/kv"
	"storefront/internal/core/types"
	"storefront/pkg/logger"
)

// stampPrefix namespaces insertion timestamps in the durable store.
const stampPrefix = "cart.added/"

// EventKind classifies engine notifications.
type EventKind string

const (
	// EventChanged: the projection changed (edit, confirmation, reconcile).
	EventChanged EventKind = "changed"
	// EventFailed: a mutation on Key failed and its line was rolled back.
	EventFailed EventKind = "failed"
)

// Event is delivered to listeners after the engine lock is released.
type Event struct {
	Kind EventKind
	Key  LineKey
	Err  error
}

// Listener receives engine events.
type Listener func(Event)

// line is the engine's private record for one cart line.
type line struct {
	key   LineKey
	state LineState

	confirmed int // last quantity the server reported; 0 if not on the server
	target    int // optimistic quantity shown to the shopper

	serverPos int // index in the last server snapshot, -1 if absent
	addedAt   time.Time
	stamped   bool

	timer       Timer
	timerSeq    uint64
	scheduledAt time.Time

	inflight bool // a network call for this key is outstanding
	due      bool // a flush came due while inflight
	err      error
}

func (l *line) settled() bool {
	return !l.inflight && l.timer == nil && (l.state == StatePresent || l.state == StateAbsent)
}

// Engine is the cart synchronization engine for one customer.
//
// All state lives behind mu, which is never held across a network call.
// Calls to the remote cart run on their own goroutines and are counted in
// inflight so Flush can wait for them.
type Engine struct {
	customerID string
	api        CartAPI
	enricher   *Enricher
	stamps     kv.Store
	cfg        Config
	log        *logger.Logger

	// ctx carries request-independent values (logger, session) for background calls.
	ctx context.Context

	mu        sync.Mutex
	idle      *sync.Cond
	lines     map[LineKey]*line
	total     types.Money
	inflight  int

	// seq numbers every request to the remote cart. issued holds, per key,
	// the seq of the latest mutation sent for it and outlives the line.
	// Snapshot data for a key is applied only when taken at or after that seq.
	seq      uint64
	issued   map[LineKey]uint64
	totalSeq uint64
	closed    bool
	listeners []Listener
	events    []Event
}

// NewEngine creates an engine for customerID. stamps is the durable store
// holding insertion timestamps. Call Load before use.
func NewEngine(ctx context.Context, customerID string, api CartAPI, enricher *Enricher, stamps kv.Store, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		customerID: customerID,
		api:        api,
		enricher:   enricher,
		stamps:     stamps,
		cfg:        cfg.withDefaults(),
		log:        log.WithComponent("cart"),
		ctx:        context.WithoutCancel(ctx),
		lines:      make(map[LineKey]*line),
		issued:     make(map[LineKey]uint64),
		total:      types.Zero(),
	}
	e.idle = sync.NewCond(&e.mu)
	return e
}

// Subscribe registers a listener. Listener panics are recovered and logged.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Load replaces local state with the server cart and restores insertion
// timestamps. Stamps for lines no longer in the cart are deleted.
func (e *Engine) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cart.load")
	defer span.End()

	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	snap, err := e.api.GetCart(callCtx, e.customerID)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get cart failed")
		return err
	}

	stored, err := e.stamps.List(ctx, stampPrefix)
	if err != nil {
		e.log.WithContext(ctx).Warnw("insertion timestamps unavailable", "error", err)
	}

	var orphaned []string
	e.mu.Lock()
	e.reconcile(snap, seq)
	for raw, value := range stored {
		key, err := ParseLineKey(strings.TrimPrefix(raw, stampPrefix))
		if err != nil {
			orphaned = append(orphaned, raw)
			continue
		}
		l, ok := e.lines[key]
		if !ok {
			orphaned = append(orphaned, raw)
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, string(value))
		if err != nil {
			orphaned = append(orphaned, raw)
			continue
		}
		l.addedAt, l.stamped = at, true
	}
	e.emit(Event{Kind: EventChanged})
	e.unlockAndNotify()

	for _, raw := range orphaned {
		if err := e.stamps.Delete(ctx, raw); err != nil {
			e.log.WithContext(ctx).Warnw("failed to delete orphaned timestamp", "key", raw, "error", err)
		}
	}
	return nil
}

// SetQuantity sets the absolute quantity of a visible line. The change is
// shown at once and sent after the debounce window as a single delta
// against the last confirmed quantity.
func (e *Engine) SetQuantity(ctx context.Context, key LineKey, quantity int) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if quantity < 1 {
		return apperror.NewValidation("quantity must be at least 1").WithDetail("quantity", quantity)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errClosed()
	}
	l, ok := e.lines[key]
	if !ok || !l.state.Visible() {
		e.mu.Unlock()
		return apperror.NewNotFound("cart line", key.String())
	}
	e.setTarget(l, quantity)
	e.unlockAndNotify()

	e.log.WithContext(ctx).Debugw("quantity scheduled", "key", key.String(), "quantity", quantity)
	return nil
}

// Add puts quantity units of key in the cart. A visible line is merged
// into; otherwise the addition is sent immediately and the line shows as
// pending until confirmed. A failed addition leaves no trace.
func (e *Engine) Add(ctx context.Context, key LineKey, quantity int) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if quantity < 1 {
		return apperror.NewValidation("quantity must be at least 1").WithDetail("quantity", quantity)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errClosed()
	}
	if l, ok := e.lines[key]; ok {
		if l.state == StatePendingRemove {
			e.mu.Unlock()
			return apperror.NewConflict("cart line is being removed").WithDetail("key", key.String())
		}
		e.setTarget(l, l.target+quantity)
		e.unlockAndNotify()
		return nil
	}

	l := &line{
		key:       key,
		state:     StateAbsent,
		target:    quantity,
		serverPos: -1,
		addedAt:   e.cfg.Clock.Now(),
	}
	e.lines[key] = l
	e.transition(l, StatePendingAdd)
	seq := e.begin(l)
	e.emit(Event{Kind: EventChanged, Key: key})
	e.unlockAndNotify()

	go e.sendAdd(key, quantity, seq)

	e.log.WithContext(ctx).Debugw("line add sent", "key", key.String(), "quantity", quantity)
	return nil
}

// Remove hides a line at once and deletes it on the server. Any pending
// quantity edit for the line is dropped. If a mutation on the line is in
// flight the removal is sent as soon as it completes.
func (e *Engine) Remove(ctx context.Context, key LineKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errClosed()
	}
	l, ok := e.lines[key]
	if !ok || !l.state.Visible() {
		e.mu.Unlock()
		return apperror.NewNotFound("cart line", key.String())
	}
	e.stopTimer(l)
	l.due = false
	l.err = nil
	e.transition(l, StatePendingRemove)
	if !l.inflight {
		e.startRemove(l)
	}
	e.emit(Event{Kind: EventChanged, Key: key})
	e.unlockAndNotify()

	e.log.WithContext(ctx).Debugw("line removal requested", "key", key.String())
	return nil
}

// Flush sends every pending quantity edit now and waits until no mutation
// is in flight, or until ctx is done.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	for _, l := range e.lines {
		if l.timer != nil {
			e.stopTimer(l)
			e.flushLine(l)
		}
	}
	e.unlockAndNotify()
	return e.wait(ctx)
}

// Close flushes and rejects further edits.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.Flush(ctx)
}

// Snapshot returns the current cart: server-confirmed lines with pending
// edits applied, in display order. Total is the last server-reported total.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	rows := e.ordered()
	snap := Snapshot{Items: make([]LineItem, 0, len(rows)), Total: e.total}
	for _, r := range rows {
		snap.Items = append(snap.Items, LineItem{Key: r.key, Quantity: r.target})
	}
	return snap
}

// Pending lists edits waiting for their debounce window or for an
// in-flight mutation on the same line.
func (e *Engine) Pending() []PendingMutation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []PendingMutation
	for _, l := range e.lines {
		if l.timer == nil && !l.due {
			continue
		}
		out = append(out, PendingMutation{
			Key:         l.key,
			Target:      l.target,
			Delta:       l.target - l.confirmed,
			ScheduledAt: l.scheduledAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Prefetch loads missing prices for every visible line, waiting at most
// PrefetchWait.
func (e *Engine) Prefetch(ctx context.Context) {
	e.mu.Lock()
	ids := make([]int64, 0, len(e.lines))
	for _, l := range e.lines {
		if l.state.Visible() {
			ids = append(ids, l.key.ProductID)
		}
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PrefetchWait)
	defer cancel()
	e.enricher.Prefetch(ctx, ids)
}

// View builds the enriched projection. Prices come from the enricher cache;
// lines without a ready price are shown but excluded from Total.
func (e *Engine) View(ctx context.Context) View {
	e.mu.Lock()
	rows := e.ordered()
	e.mu.Unlock()

	loc := e.enricher.Location(ctx)
	view := View{
		Lines:      make([]Line, 0, len(rows)),
		Total:      types.Zero(),
		Complete:   true,
		PricingKey: loc.PricingKey(),
	}
	for _, r := range rows {
		row := Line{
			Key:      r.key,
			Quantity: r.target,
			State:    r.state,
			Error:    errorMessage(r.err),
		}
		if r.stamped || r.state == StatePendingAdd {
			at := r.addedAt
			row.AddedAt = &at
		}

		price := e.enricher.lookup(ctx, r.key.ProductID, loc)
		row.Price = price.Status
		switch price.Status {
		case PriceReady:
			row.Product = price.Product
			total := types.LineTotal(price.Product.UnitPrice, r.target)
			row.LineTotal = &total
			view.Total = view.Total.Add(total)
		case PriceError:
			row.PriceErr = errorMessage(price.Err)
			view.Complete = false
		default:
			view.Complete = false
		}
		view.Lines = append(view.Lines, row)
	}
	return view
}

// --- state transitions (mu held) ---

func (e *Engine) transition(l *line, next LineState) bool {
	if !l.state.Can(next) {
		e.log.Errorw("illegal cart line transition", "key", l.key.String(), "from", l.state.String(), "to", next.String())
		return false
	}
	l.state = next
	return true
}

func (e *Engine) setTarget(l *line, quantity int) {
	if quantity == l.target {
		return
	}
	l.target = quantity
	l.err = nil
	if l.state == StatePresent {
		e.transition(l, StatePendingUpdate)
	}
	e.schedule(l)
	e.emit(Event{Kind: EventChanged, Key: l.key})
}

// schedule (re)starts the debounce timer of l.
func (e *Engine) schedule(l *line) {
	e.stopTimer(l)
	l.timerSeq++
	seq, key := l.timerSeq, l.key
	l.scheduledAt = e.cfg.Clock.Now()
	l.timer = e.cfg.Clock.AfterFunc(e.cfg.Debounce, func() { e.fire(key, seq) })
}

func (e *Engine) stopTimer(l *line) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// fire runs when a debounce window elapses. A timer that was replaced or
// stopped after it started firing carries an old seq and is ignored.
func (e *Engine) fire(key LineKey, seq uint64) {
	e.mu.Lock()
	l, ok := e.lines[key]
	if !ok || l.timer == nil || l.timerSeq != seq {
		e.mu.Unlock()
		return
	}
	l.timer = nil
	e.flushLine(l)
	e.unlockAndNotify()
}

// flushLine sends the pending edit of l, or marks it due if a mutation is
// already in flight for the key.
func (e *Engine) flushLine(l *line) {
	if l.inflight {
		l.due = true
		return
	}
	if l.state != StatePendingUpdate && l.state != StatePresent {
		return
	}
	delta := l.target - l.confirmed
	if delta == 0 {
		if l.state == StatePendingUpdate {
			e.transition(l, StatePresent)
			e.emit(Event{Kind: EventChanged, Key: l.key})
		}
		return
	}
	if l.state == StatePresent {
		e.transition(l, StatePendingUpdate)
	}
	seq := e.begin(l)
	go e.sendDelta(l.key, delta, seq)
}

func (e *Engine) startRemove(l *line) {
	e.begin(l)
	go e.sendRemove(l.key)
}

// begin marks l in flight and returns the seq of the request about to be sent.
func (e *Engine) begin(l *line) uint64 {
	l.inflight = true
	e.inflight++
	e.seq++
	e.issued[l.key] = e.seq
	return e.seq
}

func (e *Engine) finish() {
	e.inflight--
	if e.inflight == 0 {
		e.idle.Broadcast()
	}
}

// settle decides what follows a successful mutation on l.
func (e *Engine) settle(l *line) {
	if l.state == StatePendingAdd {
		e.transition(l, StatePresent)
	}
	switch {
	case l.state == StatePendingRemove:
		e.startRemove(l)
	case l.due:
		l.due = false
		e.flushLine(l)
	case l.timer != nil:
		if l.state == StatePresent {
			e.transition(l, StatePendingUpdate)
		}
	case l.confirmed < 1:
		e.drop(l)
	default:
		l.target = l.confirmed
		if l.state == StatePendingUpdate {
			e.transition(l, StatePresent)
		}
	}
	e.emit(Event{Kind: EventChanged, Key: l.key})
}

// rollback restores l to its last confirmed quantity after a failed
// update. A newer edit made while the failed one was in flight survives.
func (e *Engine) rollback(l *line, err error) {
	l.err = err
	e.emit(Event{Kind: EventFailed, Key: l.key, Err: err})

	switch {
	case l.state == StatePendingRemove:
		e.startRemove(l)
	case l.due:
		l.due = false
		e.flushLine(l)
	case l.timer != nil:
	case l.confirmed < 1:
		e.drop(l)
	default:
		l.target = l.confirmed
		e.transition(l, StatePresent)
	}
}

func (e *Engine) drop(l *line) {
	e.stopTimer(l)
	l.due = false
	e.transition(l, StateAbsent)
	delete(e.lines, l.key)
}

// reconcile adopts a server snapshot taken by the request numbered seq.
// Lines with a pending or in-flight mutation keep their optimistic quantity;
// only their confirmed baseline moves. Keys mutated by a request sent after
// seq are left alone: the snapshot may predate that mutation.
func (e *Engine) reconcile(snap Snapshot, seq uint64) {
	if seq >= e.totalSeq {
		e.total = snap.Total
		e.totalSeq = seq
	}
	onServer := make(map[LineKey]struct{}, len(snap.Items))
	for i, it := range snap.Items {
		onServer[it.Key] = struct{}{}
		if e.issued[it.Key] > seq {
			continue
		}
		l, ok := e.lines[it.Key]
		if !ok {
			l = &line{key: it.Key, state: StateAbsent}
			e.lines[it.Key] = l
		}
		l.confirmed = it.Quantity
		l.serverPos = i
		if l.settled() {
			l.target = it.Quantity
			if l.state == StateAbsent {
				e.transition(l, StatePresent)
			}
		}
	}
	for key, l := range e.lines {
		if _, ok := onServer[key]; ok || e.issued[key] > seq {
			continue
		}
		l.serverPos = -1
		l.confirmed = 0
		if l.settled() {
			e.drop(l)
		}
	}
}

// ordered returns copies of visible lines in display order: lines in server
// order first, then added lines by insertion time, most recent last.
func (e *Engine) ordered() []line {
	rows := make([]line, 0, len(e.lines))
	for _, l := range e.lines {
		if l.state.Visible() {
			rows = append(rows, *l)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		aAdded := a.stamped || a.state == StatePendingAdd
		bAdded := b.stamped || b.state == StatePendingAdd
		if aAdded != bAdded {
			return !aAdded
		}
		if aAdded {
			if !a.addedAt.Equal(b.addedAt) {
				return a.addedAt.Before(b.addedAt)
			}
			return a.key.String() < b.key.String()
		}
		if a.serverPos != b.serverPos {
			if a.serverPos < 0 {
				return false
			}
			if b.serverPos < 0 {
				return true
			}
			return a.serverPos < b.serverPos
		}
		return a.key.String() < b.key.String()
	})
	return rows
}

// --- network completions ---

func (e *Engine) sendDelta(key LineKey, delta int, seq uint64) {
	ctx, span := tracer.Start(e.ctx, "cart.apply_delta",
		trace.WithAttributes(
			attribute.String("cart.line", key.String()),
			attribute.Int("cart.delta", delta),
		))
	defer span.End()

	snap, err := e.applyDelta(ctx, key, delta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply delta failed")
	}

	e.mu.Lock()
	if l, ok := e.lines[key]; ok {
		l.inflight = false
		switch {
		case err == nil:
			e.reconcile(snap, seq)
			e.settle(l)
		case apperror.IsNotFound(err):
			// Already gone on the server.
			e.enricher.Invalidate(key.ProductID)
			e.drop(l)
			e.emit(Event{Kind: EventChanged, Key: key})
		default:
			e.log.WithContext(ctx).Warnw("cart update failed", "key", key.String(), "delta", delta, "error", err)
			e.rollback(l, err)
		}
	}
	e.finish()
	e.unlockAndNotify()
}

func (e *Engine) sendAdd(key LineKey, quantity int, seq uint64) {
	ctx, span := tracer.Start(e.ctx, "cart.add",
		trace.WithAttributes(
			attribute.String("cart.line", key.String()),
			attribute.Int("cart.quantity", quantity),
		))
	defer span.End()

	snap, err := e.applyDelta(ctx, key, quantity)
	var at time.Time
	if err == nil {
		at = e.cfg.Clock.Now()
		e.saveStamp(ctx, key, at)
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
	}

	e.mu.Lock()
	if l, ok := e.lines[key]; ok {
		l.inflight = false
		if err != nil {
			e.log.WithContext(ctx).Warnw("cart add failed", "key", key.String(), "quantity", quantity, "error", err)
			if apperror.IsNotFound(err) {
				e.enricher.Invalidate(key.ProductID)
			}
			e.drop(l)
			e.emit(Event{Kind: EventFailed, Key: key, Err: err})
		} else {
			e.reconcile(snap, seq)
			l.addedAt, l.stamped = at, true
			e.settle(l)
		}
	}
	e.finish()
	e.unlockAndNotify()
}

func (e *Engine) sendRemove(key LineKey) {
	ctx, span := tracer.Start(e.ctx, "cart.remove",
		trace.WithAttributes(attribute.String("cart.line", key.String())))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err := e.api.Remove(callCtx, e.customerID, key)
	cancel()

	removed := err == nil || apperror.IsNotFound(err)
	if !removed {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
	}

	e.mu.Lock()
	if l, ok := e.lines[key]; ok {
		l.inflight = false
		switch {
		case removed:
			e.drop(l)
			e.emit(Event{Kind: EventChanged, Key: key})
		default:
			e.log.WithContext(ctx).Warnw("cart removal failed", "key", key.String(), "error", err)
			l.err = err
			e.emit(Event{Kind: EventFailed, Key: key, Err: err})
			if l.confirmed < 1 {
				e.drop(l)
				break
			}
			l.target = l.confirmed
			e.transition(l, StatePresent)
		}
	}
	e.finish()
	e.unlockAndNotify()

	if removed {
		if err := e.stamps.Delete(ctx, stampPrefix+key.String()); err != nil {
			e.log.WithContext(ctx).Warnw("failed to delete insertion timestamp", "key", key.String(), "error", err)
		}
	}
}

// applyDelta sends one delta, resending once if the first attempt timed out.
func (e *Engine) applyDelta(ctx context.Context, key LineKey, delta int) (Snapshot, error) {
	snap, err := e.callApplyDelta(ctx, key, delta)
	if err != nil && apperror.IsTimeout(err) && ctx.Err() == nil {
		e.log.WithContext(ctx).Infow("retrying cart mutation after timeout", "key", key.String(), "delta", delta)
		snap, err = e.callApplyDelta(ctx, key, delta)
	}
	return snap, err
}

func (e *Engine) callApplyDelta(ctx context.Context, key LineKey, delta int) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.api.ApplyDelta(ctx, e.customerID, key, delta)
}

func (e *Engine) saveStamp(ctx context.Context, key LineKey, at time.Time) {
	if err := e.stamps.Set(ctx, stampPrefix+key.String(), []byte(at.UTC().Format(time.RFC3339Nano))); err != nil {
		e.log.WithContext(ctx).Warnw("failed to persist insertion timestamp", "key", key.String(), "error", err)
	}
}

// wait blocks until no mutation is in flight or ctx is done.
func (e *Engine) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for e.inflight > 0 {
			e.idle.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- notification ---

func (e *Engine) emit(ev Event) {
	e.events = append(e.events, ev)
}

// unlockAndNotify releases mu and delivers queued events.
func (e *Engine) unlockAndNotify() {
	events := e.events
	e.events = nil
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			e.deliver(l, ev)
		}
	}
}

func (e *Engine) deliver(l Listener, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Errorw("cart listener panic recovered", "panic", p, "event", string(ev.Kind))
		}
	}()
	l(ev)
}

func errClosed() error {
	return apperror.NewConflict("cart session is closed")
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
