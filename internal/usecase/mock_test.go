//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	"membership-billing-pipeline/internal/domain/ports/repository"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// =============================
// Transaction manager
// =============================

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager { return &MockTxManager{} }

// WithTx runs fn with a nil tx by default; assign WithTxFunc to control
// transaction behavior (e.g. simulating commit failures).
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, nil)
}

// =============================
// Locker
// =============================

type MockLocker struct {
	mu      sync.Mutex
	held    map[string]bool
	LockErr error
}

func NewMockLocker() *MockLocker { return &MockLocker{held: make(map[string]bool)} }

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if m.LockErr != nil {
		return "", m.LockErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return "", domain.ErrSubscriptionLocked
	}
	m.held[key] = true
	return "tok-" + key, nil
}

func (m *MockLocker) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

// =============================
// Inbound event ledger
// =============================

type MockInboundEventRepo struct {
	mu     sync.Mutex
	store  map[string]*model.InboundEvent // by id
	byKey  map[string]string              // provider|idemKey -> id
	InsErr error

	MarkTerminalFunc func(ctx context.Context, tx repository.Tx, id string, status model.InboundStatus, canonical *model.CanonicalEvent, errMsg string) (bool, error)
}

var _ repository.InboundEventRepository = (*MockInboundEventRepo)(nil)

func NewMockInboundEventRepo() *MockInboundEventRepo {
	return &MockInboundEventRepo{store: make(map[string]*model.InboundEvent), byKey: make(map[string]string)}
}

func (m *MockInboundEventRepo) InsertIfNew(ctx context.Context, tx repository.Tx, ev *model.InboundEvent) (bool, string, error) {
	if m.InsErr != nil {
		return false, "", m.InsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(ev.Provider) + "|" + ev.IdempotencyKey
	if existing, ok := m.byKey[key]; ok {
		return false, existing, nil
	}
	cp := *ev
	m.store[ev.ID] = &cp
	m.byKey[key] = ev.ID
	return true, "", nil
}

func (m *MockInboundEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MockInboundEventRepo) MarkTerminal(ctx context.Context, tx repository.Tx, id string, status model.InboundStatus, canonical *model.CanonicalEvent, errMsg string) (bool, error) {
	if m.MarkTerminalFunc != nil {
		return m.MarkTerminalFunc(ctx, tx, id, status, canonical, errMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if ev.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	ev.Status = status
	ev.Canonical = canonical
	ev.ErrorMessage = errMsg
	ev.ProcessedAt = &now
	return true, nil
}

func (m *MockInboundEventRepo) MarkFailed(ctx context.Context, tx repository.Tx, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = model.InboundStatusFailed
	ev.ErrorMessage = errMsg
	return nil
}

func (m *MockInboundEventRepo) List(ctx context.Context, tx repository.Tx, status model.InboundStatus, provider model.Provider, limit int) ([]*model.InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.InboundEvent
	for _, ev := range m.store {
		if status != "" && ev.Status != status {
			continue
		}
		if provider != "" && ev.Provider != provider {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockInboundEventRepo) ListStuck(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.InboundEvent
	for _, ev := range m.store {
		if ev.Status == model.InboundStatusReceived && ev.ReceivedAt.Before(olderThan) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =============================
// Plans and product mappings
// =============================

type MockPlanRepo struct {
	mu    sync.Mutex
	store map[string]*model.Plan // by id
}

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func NewMockPlanRepo() *MockPlanRepo { return &MockPlanRepo{store: make(map[string]*model.Plan)} }

func (m *MockPlanRepo) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *plan
	m.store[plan.ID] = &cp
	return nil
}

func (m *MockPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.store[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockPlanRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Plan, 0, len(m.store))
	for _, p := range m.store {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

type MockPlatformProductRepo struct {
	mu    sync.Mutex
	store map[string]*model.PlatformProduct // provider|ref
}

var _ repository.PlatformProductRepository = (*MockPlatformProductRepo)(nil)

func NewMockPlatformProductRepo() *MockPlatformProductRepo {
	return &MockPlatformProductRepo{store: make(map[string]*model.PlatformProduct)}
}

func (m *MockPlatformProductRepo) Save(ctx context.Context, tx repository.Tx, pp *model.PlatformProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pp
	m.store[string(pp.Provider)+"|"+pp.ProductRef] = &cp
	return nil
}

func (m *MockPlatformProductRepo) FindByProductRef(ctx context.Context, tx repository.Tx, provider model.Provider, ref string) (*model.PlatformProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pp, ok := m.store[string(provider)+"|"+ref]; ok {
		cp := *pp
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

// =============================
// Billing states
// =============================

type MockBillingStateRepo struct {
	mu        sync.Mutex
	store     map[string]*model.UserBillingState // by email
	UpsertErr error
	Upserts   int
}

var _ repository.BillingStateRepository = (*MockBillingStateRepo)(nil)

func NewMockBillingStateRepo() *MockBillingStateRepo {
	return &MockBillingStateRepo{store: make(map[string]*model.UserBillingState)}
}

func (m *MockBillingStateRepo) Find(ctx context.Context, tx repository.Tx, email string) (*model.UserBillingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.store[email]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockBillingStateRepo) Upsert(ctx context.Context, tx repository.Tx, st *model.UserBillingState) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upserts++
	cp := *st
	m.store[st.CustomerEmail] = &cp
	return nil
}

// =============================
// Bus events
// =============================

type MockBusEventRepo struct {
	mu        sync.Mutex
	store     map[string]*model.BusEvent
	order     []string
	AppendErr error
}

var _ repository.BusEventRepository = (*MockBusEventRepo)(nil)

func NewMockBusEventRepo() *MockBusEventRepo {
	return &MockBusEventRepo{store: make(map[string]*model.BusEvent)}
}

func (m *MockBusEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.BusEvent) error {
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.store[ev.ID] = &cp
	m.order = append(m.order, ev.ID)
	return nil
}

func (m *MockBusEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.BusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.store[id]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockBusEventRepo) FindByInboundEvent(ctx context.Context, tx repository.Tx, inboundEventID string) ([]*model.BusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.BusEvent
	for _, id := range m.order {
		if ev := m.store[id]; ev.InboundEventID == inboundEventID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockBusEventRepo) MarkStatus(ctx context.Context, tx repository.Tx, id string, status model.BusEventStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = status
	if status == model.BusEventStatusDispatched {
		now := time.Now()
		ev.DispatchedAt = &now
	}
	return nil
}

func (m *MockBusEventRepo) IncrementRetry(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.store[id]; ok {
		ev.RetryCount++
		return nil
	}
	return domain.ErrNotFound
}

func (m *MockBusEventRepo) ListPending(ctx context.Context, tx repository.Tx, limit int) ([]*model.BusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.BusEvent
	for _, id := range m.order {
		if ev := m.store[id]; ev.Status == model.BusEventStatusPending {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockBusEventRepo) ListSince(ctx context.Context, tx repository.Tx, since time.Time, limit int) ([]*model.BusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.BusEvent
	for _, id := range m.order {
		if ev := m.store[id]; !ev.CreatedAt.Before(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =============================
// Outbound subscriptions
// =============================

type MockOutboundSubscriptionRepo struct {
	mu    sync.Mutex
	store map[string]*model.OutboundSubscription
}

var _ repository.OutboundSubscriptionRepository = (*MockOutboundSubscriptionRepo)(nil)

func NewMockOutboundSubscriptionRepo() *MockOutboundSubscriptionRepo {
	return &MockOutboundSubscriptionRepo{store: make(map[string]*model.OutboundSubscription)}
}

func (m *MockOutboundSubscriptionRepo) Save(ctx context.Context, tx repository.Tx, sub *model.OutboundSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.store[sub.ID] = &cp
	return nil
}

func (m *MockOutboundSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.OutboundSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.store[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockOutboundSubscriptionRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.OutboundSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboundSubscription
	for _, sub := range m.store {
		if sub.Active {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockOutboundSubscriptionRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.OutboundSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.OutboundSubscription, 0, len(m.store))
	for _, sub := range m.store {
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockOutboundSubscriptionRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *MockOutboundSubscriptionRepo) IncrementFailures(ctx context.Context, tx repository.Tx, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.store[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	sub.FailuresCount++
	return sub.FailuresCount, nil
}

func (m *MockOutboundSubscriptionRepo) ResetFailures(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.store[id]; ok {
		sub.FailuresCount = 0
		return nil
	}
	return domain.ErrNotFound
}

func (m *MockOutboundSubscriptionRepo) SetActive(ctx context.Context, tx repository.Tx, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.store[id]; ok {
		sub.Active = active
		return nil
	}
	return domain.ErrNotFound
}

func (m *MockOutboundSubscriptionRepo) TouchLastDelivery(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.store[id]; ok {
		sub.LastDeliveryAt = &at
		return nil
	}
	return domain.ErrNotFound
}

// =============================
// Outbound deliveries
// =============================

type MockOutboundDeliveryRepo struct {
	mu    sync.Mutex
	store map[string]*model.OutboundDelivery
}

var _ repository.OutboundDeliveryRepository = (*MockOutboundDeliveryRepo)(nil)

func NewMockOutboundDeliveryRepo() *MockOutboundDeliveryRepo {
	return &MockOutboundDeliveryRepo{store: make(map[string]*model.OutboundDelivery)}
}

func (m *MockOutboundDeliveryRepo) Save(ctx context.Context, tx repository.Tx, d *model.OutboundDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.BusEventID == d.BusEventID && existing.SubscriptionID == d.SubscriptionID {
			return nil // mirrors ON CONFLICT DO NOTHING
		}
	}
	cp := *d
	m.store[d.ID] = &cp
	return nil
}

func (m *MockOutboundDeliveryRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.OutboundDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.store[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockOutboundDeliveryRepo) Find(ctx context.Context, tx repository.Tx, busEventID, subscriptionID string) (*model.OutboundDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.store {
		if d.BusEventID == busEventID && d.SubscriptionID == subscriptionID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockOutboundDeliveryRepo) RecordAttempt(ctx context.Context, tx repository.Tx, d *model.OutboundDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[d.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status == model.DeliveryStatusSuccess || cur.Attempt >= d.Attempt {
		return domain.ErrTerminalState
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	m.store[d.ID] = &cp
	return nil
}

func (m *MockOutboundDeliveryRepo) ListByBusEvent(ctx context.Context, tx repository.Tx, busEventID string) ([]*model.OutboundDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboundDelivery
	for _, d := range m.store {
		if d.BusEventID == busEventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockOutboundDeliveryRepo) ClaimDue(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.OutboundDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboundDelivery
	for _, d := range m.store {
		if d.Status == model.DeliveryStatusRetry && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			d.Status = model.DeliveryStatusPending
			d.NextRetryAt = nil
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockOutboundDeliveryRepo) CountUnfinishedByBusEvent(ctx context.Context, tx repository.Tx, busEventID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.store {
		if d.BusEventID == busEventID && (d.Status == model.DeliveryStatusPending || d.Status == model.DeliveryStatusRetry) {
			n++
		}
	}
	return n, nil
}

func (m *MockOutboundDeliveryRepo) ListUnfinishedOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.OutboundDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OutboundDelivery
	for _, d := range m.store {
		if (d.Status == model.DeliveryStatusPending || d.Status == model.DeliveryStatusRetry) && d.CreatedAt.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockOutboundDeliveryRepo) Reschedule(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.Status == model.DeliveryStatusPending || d.Status == model.DeliveryStatusRetry {
		d.Status = model.DeliveryStatusRetry
		d.NextRetryAt = &at
	}
	return nil
}

func (m *MockOutboundDeliveryRepo) Reopen(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.Status != model.DeliveryStatusFailed {
		return domain.ErrTerminalState
	}
	d.Status = model.DeliveryStatusPending
	d.Attempt = 0
	d.NextRetryAt = nil
	d.ErrorMessage = ""
	return nil
}

// =============================
// Dead letters
// =============================

type MockDeadLetterRepo struct {
	mu    sync.Mutex
	store map[string]*model.DeadLetter
	order []string
}

var _ repository.DeadLetterRepository = (*MockDeadLetterRepo)(nil)

func NewMockDeadLetterRepo() *MockDeadLetterRepo {
	return &MockDeadLetterRepo{store: make(map[string]*model.DeadLetter)}
}

func (m *MockDeadLetterRepo) Save(ctx context.Context, tx repository.Tx, dl *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors the partial unique index: one live entry per pair,
	// replayed entries do not block a new one.
	for _, cur := range m.store {
		if cur.BusEventID == dl.BusEventID && cur.SubscriptionID == dl.SubscriptionID && cur.ReplayedAt == nil {
			return domain.ErrAlreadyExists
		}
	}
	cp := *dl
	m.store[dl.ID] = &cp
	m.order = append(m.order, dl.ID)
	return nil
}

func (m *MockDeadLetterRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl, ok := m.store[id]; ok {
		cp := *dl
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockDeadLetterRepo) List(ctx context.Context, tx repository.Tx, limit int) ([]*model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DeadLetter
	for _, id := range m.order {
		cp := *m.store[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockDeadLetterRepo) MarkReplayed(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl, ok := m.store[id]; ok {
		dl.ReplayedAt = &at
		return nil
	}
	return domain.ErrNotFound
}

// Count reports how many entries were dead-lettered so far.
func (m *MockDeadLetterRepo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
