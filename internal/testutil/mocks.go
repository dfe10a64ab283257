package testutil

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sila/payments/internal/domain/callback"
	domainErrors "github.com/sila/payments/internal/domain/errors"
	"github.com/sila/payments/internal/domain/outbox"
	"github.com/sila/payments/internal/domain/payment"
	"github.com/sila/payments/internal/repository/postgres"
)

// --- Payment Repository Mock ---

// MockPaymentRepository is an in-memory payment.Repository. It stores copies, so a caller
// only changes the ledger through Create and Update, like the SQL implementation.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*payment.Payment
	byKey    map[string]uuid.UUID
	events   map[uuid.UUID][]*payment.PaymentEvent

	CreateFunc   func(ctx context.Context, p *payment.Payment) error
	GetByIDFunc  func(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	UpdateFunc   func(ctx context.Context, p *payment.Payment) error
	ListFunc     func(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error)
	AddEventFunc func(ctx context.Context, event *payment.PaymentEvent) error
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[uuid.UUID]*payment.Payment),
		byKey:    make(map[string]uuid.UUID),
		events:   make(map[uuid.UUID][]*payment.PaymentEvent),
	}
}

// AddPayment pre-populates the mock with a payment.
func (m *MockPaymentRepository) AddPayment(p *payment.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	m.byKey[p.IdempotencyKey] = p.ID
}

// Count returns the number of stored payments.
func (m *MockPaymentRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[p.IdempotencyKey]; ok {
		return domainErrors.ErrDuplicateIdempotencyKey
	}
	m.payments[p.ID] = clonePayment(p)
	m.byKey[p.IdempotencyKey] = p.ID
	return nil
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

// LockByID does not lock; MockTransactionManager serializes transactions instead.
func (m *MockPaymentRepository) LockByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	return m.GetByID(ctx, id)
}

func (m *MockPaymentRepository) LockByExternalReference(_ context.Context, provider payment.Provider, reference string) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.ExternalReference != nil && *p.ExternalReference == reference {
			return clonePayment(p), nil
		}
	}
	return nil, domainErrors.ErrPaymentNotFound
}

func (m *MockPaymentRepository) Update(ctx context.Context, p *payment.Payment) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return domainErrors.ErrPaymentNotFound
	}
	if p.ExternalReference != nil {
		for _, other := range m.payments {
			if other.ID != p.ID && other.Provider == p.Provider &&
				other.ExternalReference != nil && *other.ExternalReference == *p.ExternalReference {
				return domainErrors.ErrConflictingReference
			}
		}
	}
	m.payments[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepository) List(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*payment.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if len(filter.Statuses) > 0 && !hasStatus(filter.Statuses, p.Status) {
			continue
		}
		if filter.Provider != nil && p.Provider != *filter.Provider {
			continue
		}
		if filter.CreatedBefore != nil && !p.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })

	if filter.Offset >= len(result) {
		return []*payment.Payment{}, nil
	}
	result = result[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockPaymentRepository) AddEvent(ctx context.Context, event *payment.PaymentEvent) error {
	if m.AddEventFunc != nil {
		return m.AddEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.PaymentID] = append(m.events[event.PaymentID], event)
	return nil
}

func (m *MockPaymentRepository) GetEvents(_ context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.PaymentEvent(nil), m.events[paymentID]...), nil
}

// EventTypes lists the audit events recorded for a payment in order.
func (m *MockPaymentRepository) EventTypes(paymentID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, e := range m.events[paymentID] {
		types = append(types, e.EventType)
	}
	return types
}

func hasStatus(statuses []payment.PaymentStatus, s payment.PaymentStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func clonePayment(p *payment.Payment) *payment.Payment {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// --- Callback Repository Mock ---

// MockCallbackRepository is an in-memory callback.Repository with the same
// (provider, provider_event_id) uniqueness as the provider_callbacks table.
type MockCallbackRepository struct {
	mu        sync.Mutex
	callbacks map[uuid.UUID]*callback.Callback
	byEvent   map[string]uuid.UUID
	order     []uuid.UUID

	UpdateFunc func(ctx context.Context, cb *callback.Callback) error
}

func NewMockCallbackRepository() *MockCallbackRepository {
	return &MockCallbackRepository{
		callbacks: make(map[uuid.UUID]*callback.Callback),
		byEvent:   make(map[string]uuid.UUID),
	}
}

func eventKey(provider payment.Provider, eventID string) string {
	return string(provider) + "|" + eventID
}

func (m *MockCallbackRepository) Insert(_ context.Context, cb *callback.Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb.ProviderEventID != nil {
		if _, ok := m.byEvent[eventKey(cb.Provider, *cb.ProviderEventID)]; ok {
			return fmt.Errorf("insert callback: duplicate event %s", *cb.ProviderEventID)
		}
		m.byEvent[eventKey(cb.Provider, *cb.ProviderEventID)] = cb.ID
	}
	m.store(cb)
	return nil
}

func (m *MockCallbackRepository) Claim(_ context.Context, cb *callback.Callback) (*callback.Callback, bool, error) {
	if cb.ProviderEventID == nil {
		return nil, false, domainErrors.ErrMalformedCallback
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey(cb.Provider, *cb.ProviderEventID)
	if id, ok := m.byEvent[key]; ok {
		return cloneCallback(m.callbacks[id]), false, nil
	}
	m.byEvent[key] = cb.ID
	m.store(cb)
	return cloneCallback(cb), true, nil
}

func (m *MockCallbackRepository) store(cb *callback.Callback) {
	if _, ok := m.callbacks[cb.ID]; !ok {
		m.order = append(m.order, cb.ID)
	}
	m.callbacks[cb.ID] = cloneCallback(cb)
}

func (m *MockCallbackRepository) Update(ctx context.Context, cb *callback.Callback) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, cb)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callbacks[cb.ID]; !ok {
		return domainErrors.ErrCallbackNotFound
	}
	m.callbacks[cb.ID] = cloneCallback(cb)
	return nil
}

func (m *MockCallbackRepository) GetByID(_ context.Context, id uuid.UUID) (*callback.Callback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.callbacks[id]
	if !ok {
		return nil, domainErrors.ErrCallbackNotFound
	}
	return cloneCallback(cb), nil
}

func (m *MockCallbackRepository) ListOrphans(_ context.Context, f callback.OrphanFilter) ([]*callback.Callback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*callback.Callback
	for _, id := range m.order {
		cb := m.callbacks[id]
		if cb.Status != callback.StatusOrphaned {
			continue
		}
		if f.Provider != nil && cb.Provider != *f.Provider {
			continue
		}
		if f.ExternalReference != nil && (cb.ExternalReference == nil || *cb.ExternalReference != *f.ExternalReference) {
			continue
		}
		out = append(out, cloneCallback(cb))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// All returns every stored callback in insertion order.
func (m *MockCallbackRepository) All() []*callback.Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*callback.Callback, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneCallback(m.callbacks[id]))
	}
	return out
}

// CountByStatus counts stored callbacks in status s.
func (m *MockCallbackRepository) CountByStatus(s callback.Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cb := range m.callbacks {
		if cb.Status == s {
			n++
		}
	}
	return n
}

func cloneCallback(cb *callback.Callback) *callback.Callback {
	c := *cb
	c.Headers = maps.Clone(cb.Headers)
	return &c
}

// --- Transaction Manager Mock ---

// MockTransactionManager runs one transaction at a time, which stands in for the row
// locks taken inside real transactions. Transactions must not nest.
type MockTransactionManager struct {
	mu sync.Mutex

	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository is an in-memory outbox.Repository.
type MockOutboxRepository struct {
	mu      sync.Mutex
	entries []*outbox.Entry

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.entries = append(m.entries, &c)
	return nil
}

func (m *MockOutboxRepository) GetPending(_ context.Context, limit int) ([]*outbox.Entry, error) {
	return m.byStatus(outbox.StatusPending, limit), nil
}

func (m *MockOutboxRepository) ListFailed(_ context.Context, limit int) ([]*outbox.Entry, error) {
	return m.byStatus(outbox.StatusFailed, limit), nil
}

func (m *MockOutboxRepository) byStatus(s outbox.Status, limit int) []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for _, e := range m.entries {
		if e.Status != s {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	return m.mutate(id, func(e *outbox.Entry) {
		now := time.Now().UTC()
		e.Status = outbox.StatusPublished
		e.PublishedAt = &now
		e.LastError = nil
	})
}

func (m *MockOutboxRepository) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return m.mutate(id, func(e *outbox.Entry) {
		e.RetryCount++
		e.LastError = &reason
		if e.RetryCount >= e.MaxRetries {
			e.Status = outbox.StatusFailed
		}
	})
}

func (m *MockOutboxRepository) Requeue(_ context.Context, id uuid.UUID) error {
	return m.mutate(id, func(e *outbox.Entry) {
		e.Status = outbox.StatusPending
		e.RetryCount = 0
	})
}

func (m *MockOutboxRepository) mutate(id uuid.UUID, fn func(*outbox.Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			fn(e)
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s not found", id)
}

// Entries returns a snapshot of every stored entry.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*outbox.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		c := *e
		out = append(out, &c)
	}
	return out
}

// EventTypes lists the event types written for aggregate id, in order.
func (m *MockOutboxRepository) EventTypes(aggregateID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []string
	for _, e := range m.entries {
		if e.AggregateID == aggregateID {
			types = append(types, e.EventType)
		}
	}
	return types
}

// --- Idempotency Store Mock ---

// MockIdempotencyStore is an in-memory stand-in for postgres.IdempotencyRepository.
type MockIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*postgres.IdempotencyEntry

	BindFunc func(ctx context.Context, entry *postgres.IdempotencyEntry) (*postgres.IdempotencyEntry, error)
}

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{entries: make(map[string]*postgres.IdempotencyEntry)}
}

func (m *MockIdempotencyStore) Bind(ctx context.Context, entry *postgres.IdempotencyEntry) (*postgres.IdempotencyEntry, error) {
	if m.BindFunc != nil {
		return m.BindFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.entries[entry.Key]; ok && stored.ExpiresAt.After(time.Now()) {
		c := *stored
		return &c, nil
	}
	c := *entry
	m.entries[entry.Key] = &c
	return entry, nil
}

func (m *MockIdempotencyStore) Cleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt.Before(time.Now()) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// --- Poll Publisher Mock ---

// PollRequest is one recorded status-poll request.
type PollRequest struct {
	PaymentID uuid.UUID
	Provider  string
}

// MockPollPublisher records status-poll requests instead of writing them to a stream.
type MockPollPublisher struct {
	mu       sync.Mutex
	requests []PollRequest

	Err error
}

func (m *MockPollPublisher) RequestStatusPoll(_ context.Context, paymentID uuid.UUID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.requests = append(m.requests, PollRequest{PaymentID: paymentID, Provider: provider})
	return nil
}

func (m *MockPollPublisher) Requests() []PollRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PollRequest(nil), m.requests...)
}
