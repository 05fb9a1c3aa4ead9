package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/compliance"
	"order-core/internal/market"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/pkg/logger"
)

// Options wires a Manager. Everything except Orders is optional; without a
// Store supervisors do not survive a restart.
type Options struct {
	Orders      Orders
	Store       Store
	Prices      PriceSource
	Instruments *market.Registry
	Reporter    compliance.Reporter
	Metrics     *monitor.SystemMetrics
	Logger      *zap.Logger
	// OnChange receives a snapshot after every state change.
	OnChange func(Snapshot)
}

type cancelReq struct {
	reply chan error
}

type amendReq struct {
	amend Amend
	reply chan error
}

type resyncReq struct{}

// refuse answers a request that will not be processed.
func refuse(msg any, err error) {
	switch v := msg.(type) {
	case cancelReq:
		v.reply <- err
	case amendReq:
		v.reply <- err
	}
}

type runner struct {
	id     string
	kind   Kind
	symbol string
	task   task
	box    *mailbox
	ticks  bool
	done   chan struct{}

	mu   sync.RWMutex
	last Snapshot
}

func (r *runner) snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last.clone()
}

// Manager creates, tracks, lists and cancels supervisors. It receives order
// events as an order.Listener and ticks through OnTick.
type Manager struct {
	orders      Orders
	store       Store
	prices      PriceSource
	instruments *market.Registry
	reporter    compliance.Reporter
	metrics     *monitor.SystemMetrics
	log         *zap.Logger
	onChange    func(Snapshot)
	now         func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active map[string]*runner
	closed map[string]Snapshot
	// recovered runners wait here for Resume.
	pending []*runner
}

func NewManager(opts Options) *Manager {
	rep := opts.Reporter
	if rep == nil {
		rep = compliance.Nop{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		orders:      opts.Orders,
		store:       opts.Store,
		prices:      opts.Prices,
		instruments: opts.Instruments,
		reporter:    rep,
		metrics:     opts.Metrics,
		log:         logger.OrNop(opts.Logger),
		onChange:    opts.OnChange,
		now:         time.Now,
		ctx:         ctx,
		stop:        stop,
		active:      make(map[string]*runner),
		closed:      make(map[string]Snapshot),
	}
}

// Stop halts every supervisor goroutine and waits for them to exit. Child
// orders stay in the book.
func (m *Manager) Stop() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) newBase(account string, kind Kind, symbol string, side order.Side) Snapshot {
	now := m.now().UTC()
	return Snapshot{
		ID:        uuid.NewString(),
		AccountID: account,
		Kind:      kind,
		Symbol:    symbol,
		Side:      side,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// launch registers the task, runs its start action on the caller's
// goroutine and then hands it to its own goroutine. Events produced by
// start are queued in the mailbox until the goroutine runs.
func (m *Manager) launch(ctx context.Context, t task, ticks bool) (Snapshot, error) {
	st := t.state()
	r := newRunner(t, ticks)
	m.mu.Lock()
	m.active[r.id] = r
	m.mu.Unlock()

	// Stored before start so that a crash mid-start leaves a record to
	// resync from.
	m.persist(r.task, st.clone())
	if err := t.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.active, r.id)
		m.mu.Unlock()
		m.forget(r.id)
		return t.state().clone(), err
	}
	m.publish(r)
	if t.state().Status != StatusActive {
		m.retire(r)
		close(r.done)
		return r.snapshot(), nil
	}

	m.log.Info("supervisor started",
		zap.String("id", r.id),
		zap.String("kind", string(r.kind)),
		zap.String("account", st.AccountID),
		zap.String("symbol", st.Symbol))
	m.wg.Add(1)
	go m.run(r)
	m.countActive(r.kind)
	return r.snapshot(), nil
}

func newRunner(t task, ticks bool) *runner {
	st := t.state()
	return &runner{
		id:     st.ID,
		kind:   st.Kind,
		symbol: st.Symbol,
		task:   t,
		box:    newMailbox(),
		ticks:  ticks,
		done:   make(chan struct{}),
		last:   st.clone(),
	}
}

func (m *Manager) run(r *runner) {
	defer m.wg.Done()
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			st := r.task.state()
			st.Status = StatusFailed
			st.Reason = "internal_error"
			m.log.Error("supervisor panicked", zap.String("id", r.id), zap.Any("panic", p), zap.Stack("stack"))
			m.reporter.Emit(context.Background(), compliance.Event{
				AccountID:   st.AccountID,
				Type:        compliance.TypeSupervisorFailure,
				Severity:    compliance.SeverityCritical,
				Title:       "Supervisor failure",
				Description: fmt.Sprintf("%s supervisor %s stopped: %v", r.kind, r.id, p),
				Evidence:    map[string]string{"supervisor_id": r.id},
			})
			m.publish(r)
			m.retire(r)
		}
	}()

	ctx := m.ctx
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.box.wake:
		}
		for _, msg := range r.box.drain() {
			if r.task.state().Status != StatusActive {
				refuse(msg, order.ErrAlreadyTerminal)
				continue
			}
			switch v := msg.(type) {
			case order.Event:
				r.task.onEvent(ctx, v)
			case market.Tick:
				r.task.onTick(ctx, v)
			case resyncReq:
				r.task.resync(ctx)
			case cancelReq:
				v.reply <- r.task.cancel(ctx)
			case amendReq:
				err := r.task.amend(ctx, v.amend)
				m.publish(r)
				v.reply <- err
				continue
			}
			m.publish(r)
		}
		if r.task.state().Status != StatusActive {
			m.retire(r)
			return
		}
	}
}

func (m *Manager) publish(r *runner) {
	st := r.task.state()
	st.UpdatedAt = m.now().UTC()
	snap := st.clone()
	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()
	m.persist(r.task, snap)
	if m.onChange != nil {
		m.onChange(snap)
	}
}

func (m *Manager) persist(t task, snap Snapshot) {
	if m.store == nil {
		return
	}
	rec := record{Snapshot: snap}
	switch v := t.(type) {
	case *iceberg:
		spec := v.spec
		rec.Iceberg = &spec
	case *oco:
		spec := v.spec
		rec.OCO = &spec
	case *trailing:
		spec := v.spec
		rec.Trailing = &spec
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = m.store.PutSupervisor(snap.ID, data)
	}
	if err != nil {
		m.log.Error("persist supervisor failed", zap.String("id", snap.ID), zap.Error(err))
	}
}

func (m *Manager) forget(id string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteSupervisor(id); err != nil {
		m.log.Error("delete supervisor failed", zap.String("id", id), zap.Error(err))
	}
}

// retire moves a finished supervisor to the closed set. Messages still in
// its mailbox are answered where someone waits for them.
func (m *Manager) retire(r *runner) {
	snap := r.snapshot()
	m.mu.Lock()
	delete(m.active, r.id)
	m.closed[r.id] = snap
	m.mu.Unlock()
	for _, msg := range r.box.drain() {
		refuse(msg, order.ErrAlreadyTerminal)
	}
	m.countActive(r.kind)
	m.log.Info("supervisor finished",
		zap.String("id", r.id),
		zap.String("kind", string(r.kind)),
		zap.String("status", string(snap.Status)),
		zap.String("reason", snap.Reason))
}

func (m *Manager) countActive(kind Kind) {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := 0
	for _, r := range m.active {
		if r.kind == kind {
			n++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetSupervisors(string(kind), n)
}

// OnOrderEvent routes book events to the supervisor that owns the order.
// It never blocks.
func (m *Manager) OnOrderEvent(_ context.Context, ev order.Event) {
	if ev.Order.ParentID == "" {
		return
	}
	m.mu.RLock()
	r, ok := m.active[ev.Order.ParentID]
	m.mu.RUnlock()
	if ok {
		r.box.put(ev)
	}
}

// OnTick forwards a price tick to supervisors that track prices.
func (m *Manager) OnTick(t market.Tick) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.active {
		if r.ticks && r.symbol == t.Symbol {
			r.box.put(t)
		}
	}
}

// owned returns the running supervisor id of account. A finished one is
// returned as a snapshot with ErrAlreadyTerminal.
func (m *Manager) owned(account, id string) (*runner, Snapshot, error) {
	m.mu.RLock()
	r, ok := m.active[id]
	closed, wasClosed := m.closed[id]
	m.mu.RUnlock()

	if !ok {
		if wasClosed && closed.AccountID == account {
			return nil, closed.clone(), order.ErrAlreadyTerminal
		}
		return nil, Snapshot{}, ErrNotFound
	}
	if r.snapshot().AccountID != account {
		return nil, Snapshot{}, ErrNotFound
	}
	return r, Snapshot{}, nil
}

// Cancel stops a supervisor owned by account and cancels its live children.
func (m *Manager) Cancel(ctx context.Context, account, id string) (Snapshot, error) {
	r, snap, err := m.owned(account, id)
	if err != nil {
		return snap, err
	}

	req := cancelReq{reply: make(chan error, 1)}
	r.box.put(req)
	select {
	case err := <-req.reply:
		if err != nil {
			return r.snapshot(), err
		}
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		return r.snapshot(), nil
	case <-r.done:
		return r.snapshot(), order.ErrAlreadyTerminal
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Amend changes a running supervisor owned by account. The change is
// applied on the supervisor's goroutine and the updated snapshot returned.
func (m *Manager) Amend(ctx context.Context, account, id string, a Amend) (Snapshot, error) {
	r, snap, err := m.owned(account, id)
	if err != nil {
		return snap, err
	}

	req := amendReq{amend: a, reply: make(chan error, 1)}
	r.box.put(req)
	select {
	case err := <-req.reply:
		return r.snapshot(), err
	case <-r.done:
		return r.snapshot(), order.ErrAlreadyTerminal
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Recover reloads stored supervisors. Finished ones are listed again; active
// ones are registered so that order events reach their mailboxes, and start
// running on Resume. Call it before the book recovers its orders.
func (m *Manager) Recover() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	blobs, err := m.store.LoadSupervisors()
	if err != nil {
		return 0, fmt.Errorf("load supervisors: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, data := range blobs {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			m.log.Warn("skipping unreadable supervisor record", zap.Error(err))
			continue
		}
		if rec.Snapshot.Status != StatusActive {
			m.closed[rec.Snapshot.ID] = rec.Snapshot
			continue
		}
		t, ticks, err := m.restore(rec)
		if err != nil {
			m.log.Error("cannot restore supervisor", zap.String("id", rec.Snapshot.ID), zap.Error(err))
			continue
		}
		r := newRunner(t, ticks)
		r.box.put(resyncReq{})
		m.active[r.id] = r
		m.pending = append(m.pending, r)
		n++
	}
	m.log.Info("supervisors recovered", zap.Int("active", n), zap.Int("finished", len(m.closed)))
	return n, nil
}

// Resume starts the supervisors loaded by Recover. Each first resyncs with
// its child orders, so the book must have recovered by now.
func (m *Manager) Resume() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, r := range pending {
		m.wg.Add(1)
		go m.run(r)
		m.countActive(r.kind)
	}
}

func (m *Manager) restore(rec record) (task, bool, error) {
	snap := rec.Snapshot.clone()
	switch snap.Kind {
	case KindIceberg:
		if rec.Iceberg == nil || snap.Iceberg == nil {
			return nil, false, fmt.Errorf("iceberg record without spec")
		}
		return &iceberg{m: m, snap: snap, spec: *rec.Iceberg, filled: make(map[string]decimal.Decimal)}, false, nil
	case KindOCO:
		if rec.OCO == nil || snap.OCO == nil {
			return nil, false, fmt.Errorf("oco record without spec")
		}
		return &oco{m: m, snap: snap, spec: *rec.OCO, terminal: make(map[string]bool)}, false, nil
	case KindTrailing:
		if rec.Trailing == nil || snap.Trailing == nil {
			return nil, false, fmt.Errorf("trailing stop record without spec")
		}
		return &trailing{m: m, snap: snap, spec: *rec.Trailing}, true, nil
	}
	return nil, false, fmt.Errorf("unknown supervisor kind %q", snap.Kind)
}

// children returns the book's orders parented by s, oldest first, and adds
// any that s does not know about yet to its child list.
func (m *Manager) children(s *Snapshot) []*order.Order {
	known := make(map[string]bool, len(s.Children))
	for _, id := range s.Children {
		known[id] = true
	}
	var out []*order.Order
	for _, o := range m.orders.ListByAccount(s.AccountID, false) {
		if o.ParentID != s.ID {
			continue
		}
		if !known[o.ID] {
			s.Children = append(s.Children, o.ID)
		}
		out = append(out, o)
	}
	return out
}

// Get returns a supervisor snapshot.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.active[id]; ok {
		return r.snapshot(), true
	}
	s, ok := m.closed[id]
	return s.clone(), ok
}

// List returns an account's supervisors, newest first. An empty account
// lists all of them.
func (m *Manager) List(account string) []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.active)+len(m.closed))
	for _, r := range m.active {
		if s := r.snapshot(); account == "" || s.AccountID == account {
			out = append(out, s)
		}
	}
	for _, s := range m.closed {
		if account == "" || s.AccountID == account {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the number of running supervisors.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
