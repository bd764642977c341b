package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

type repoErr struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoErr) Error() string       { return e.msg }
func (e *repoErr) IsNotFound() bool    { return e.notFound }
func (e *repoErr) IsConflict() bool    { return e.conflict }
func (e *repoErr) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*repoErr)(nil)

func notFoundErr(what string) error {
	return &repoErr{msg: what + " not found", notFound: true}
}

func conflictErr(what string) error {
	return &repoErr{msg: what + " already exists", conflict: true}
}

type memoryClaims struct {
	mu     sync.Mutex
	claims map[string]domain.PaymentClaim
}

func newMemoryClaims() *memoryClaims {
	return &memoryClaims{claims: map[string]domain.PaymentClaim{}}
}

func (m *memoryClaims) Find(_ context.Context, kind domain.ClaimKind, value string) (domain.PaymentClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[domain.ClaimKey(kind, value)]
	if !ok {
		return domain.PaymentClaim{}, notFoundErr("claim")
	}
	return claim, nil
}

// reserve checks every claim before recording any of them, matching the transactional repository.
func (m *memoryClaims) reserve(claims []domain.PaymentClaim) error {
	for _, claim := range claims {
		if _, ok := m.claims[claim.Key()]; ok {
			return fmt.Errorf("%w: %s", repositories.ErrClaimExists, claim.Key())
		}
	}
	for _, claim := range claims {
		m.claims[claim.Key()] = claim
	}
	return nil
}

type memoryOrders struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	claims  *memoryClaims
	writes  int
	stale   []domain.Order
	failGet error
}

func newMemoryOrders(claims *memoryClaims) *memoryOrders {
	return &memoryOrders{orders: map[string]domain.Order{}, claims: claims}
}

func (m *memoryOrders) Insert(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return conflictErr("order")
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memoryOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return domain.Order{}, m.failGet
	}
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order")
	}
	return cloneOrder(order), nil
}

func (m *memoryOrders) FindBySessionID(_ context.Context, sessionID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.SessionID != "" && order.SessionID == sessionID {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, notFoundErr("order")
}

func (m *memoryOrders) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation, claims ...domain.PaymentClaim) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order")
	}
	if m.claims != nil {
		for _, claim := range claims {
			if _, taken := m.claims.claims[claim.Key()]; taken {
				return domain.Order{}, fmt.Errorf("%w: %s", repositories.ErrClaimExists, claim.Key())
			}
		}
	}
	working := cloneOrder(current)
	if err := fn(&working); err != nil {
		if errors.Is(err, repositories.ErrNoChange) {
			return cloneOrder(current), repositories.ErrNoChange
		}
		return domain.Order{}, err
	}
	if m.claims != nil {
		if err := m.claims.reserve(claims); err != nil {
			return domain.Order{}, err
		}
	}
	m.orders[orderID] = working
	m.writes++
	return cloneOrder(working), nil
}

func (m *memoryOrders) Delete(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return notFoundErr("order")
	}
	delete(m.orders, orderID)
	return nil
}

func (m *memoryOrders) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.PaymentStatus == domain.PaymentStatusPending && order.ReconcileFlaggedAt == nil && order.CreatedAt.Before(olderThan) {
			out = append(out, cloneOrder(order))
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return firstN(out, limit), nil
}

func (m *memoryOrders) get(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

type memoryServiceOrders struct {
	mu     sync.Mutex
	orders map[string]domain.ServiceOrder
	claims *memoryClaims
	writes int
}

func newMemoryServiceOrders(claims *memoryClaims) *memoryServiceOrders {
	return &memoryServiceOrders{orders: map[string]domain.ServiceOrder{}, claims: claims}
}

func (m *memoryServiceOrders) Insert(_ context.Context, order domain.ServiceOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return conflictErr("service order")
	}
	m.orders[order.ID] = cloneServiceOrder(order)
	return nil
}

func (m *memoryServiceOrders) FindByID(_ context.Context, orderID string) (domain.ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.ServiceOrder{}, notFoundErr("service order")
	}
	return cloneServiceOrder(order), nil
}

func (m *memoryServiceOrders) FindBySessionID(_ context.Context, sessionID string) (domain.ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if slices.Contains(order.SessionIDs, sessionID) {
			return cloneServiceOrder(order), nil
		}
	}
	return domain.ServiceOrder{}, notFoundErr("service order")
}

func (m *memoryServiceOrders) Mutate(_ context.Context, orderID string, fn repositories.ServiceOrderMutation, claims ...domain.PaymentClaim) (domain.ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[orderID]
	if !ok {
		return domain.ServiceOrder{}, notFoundErr("service order")
	}
	if m.claims != nil {
		for _, claim := range claims {
			if _, taken := m.claims.claims[claim.Key()]; taken {
				return domain.ServiceOrder{}, fmt.Errorf("%w: %s", repositories.ErrClaimExists, claim.Key())
			}
		}
	}
	working := cloneServiceOrder(current)
	if err := fn(&working); err != nil {
		if errors.Is(err, repositories.ErrNoChange) {
			return cloneServiceOrder(current), repositories.ErrNoChange
		}
		return domain.ServiceOrder{}, err
	}
	if m.claims != nil {
		if err := m.claims.reserve(claims); err != nil {
			return domain.ServiceOrder{}, err
		}
	}
	m.orders[orderID] = working
	m.writes++
	return cloneServiceOrder(working), nil
}

func (m *memoryServiceOrders) Delete(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[orderID]; !ok {
		return notFoundErr("service order")
	}
	delete(m.orders, orderID)
	return nil
}

func (m *memoryServiceOrders) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]domain.ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ServiceOrder
	for _, order := range m.orders {
		if order.PaymentStatus == domain.PaymentStatusPending && order.ReconcileFlaggedAt == nil && order.CreatedAt.Before(olderThan) {
			out = append(out, cloneServiceOrder(order))
		}
	}
	slices.SortFunc(out, func(a, b domain.ServiceOrder) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return firstN(out, limit), nil
}

func (m *memoryServiceOrders) ListStaleReservations(_ context.Context, before time.Time, limit int) ([]domain.ServiceOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ServiceOrder
	for _, order := range m.orders {
		if f := order.Final; f != nil && f.Status == domain.LedgerStatusPending && f.SessionID == "" && f.RequestedAt.Before(before) {
			out = append(out, cloneServiceOrder(order))
		}
	}
	slices.SortFunc(out, func(a, b domain.ServiceOrder) int { return a.Final.RequestedAt.Compare(b.Final.RequestedAt) })
	return firstN(out, limit), nil
}

func firstN[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (m *memoryServiceOrders) get(id string) domain.ServiceOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneServiceOrder(m.orders[id])
}

type memoryReturns struct {
	mu      sync.Mutex
	returns map[string]domain.Return
	failIns error
}

func newMemoryReturns() *memoryReturns {
	return &memoryReturns{returns: map[string]domain.Return{}}
}

func (m *memoryReturns) Insert(_ context.Context, ret domain.Return) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIns != nil {
		return m.failIns
	}
	if _, ok := m.returns[ret.ID]; ok {
		return conflictErr("return")
	}
	m.returns[ret.ID] = ret
	return nil
}

func (m *memoryReturns) FindByID(_ context.Context, returnID string) (domain.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret, ok := m.returns[returnID]
	if !ok {
		return domain.Return{}, notFoundErr("return")
	}
	return ret, nil
}

func (m *memoryReturns) Mutate(_ context.Context, returnID string, fn repositories.ReturnMutation) (domain.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.returns[returnID]
	if !ok {
		return domain.Return{}, notFoundErr("return")
	}
	working := current
	working.Items = slices.Clone(current.Items)
	if err := fn(&working); err != nil {
		if errors.Is(err, repositories.ErrNoChange) {
			return current, repositories.ErrNoChange
		}
		return domain.Return{}, err
	}
	m.returns[returnID] = working
	return working, nil
}

func (m *memoryReturns) ListByOrder(_ context.Context, orderID string) ([]domain.Return, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Return
	for _, ret := range m.returns {
		if ret.OrderID == orderID {
			out = append(out, ret)
		}
	}
	slices.SortFunc(out, func(a, b domain.Return) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out, nil
}

type memoryLedger struct {
	mu      sync.Mutex
	entries []domain.CreditEntry
}

func (m *memoryLedger) Append(_ context.Context, entry domain.CreditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.ID == entry.ID {
			return conflictErr("credit entry")
		}
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLedger) ListByUser(_ context.Context, userID string) ([]domain.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memoryLedger) Consume(_ context.Context, userID string, fn func([]domain.CreditEntry) (domain.CreditEntry, error)) (domain.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []domain.CreditEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			mine = append(mine, entry)
		}
	}
	entry, err := fn(mine)
	if err != nil {
		return domain.CreditEntry{}, err
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memoryLedger) ListExpirable(_ context.Context, now time.Time, _ int) ([]domain.CreditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditEntry
	for _, entry := range m.entries {
		if entry.Type == domain.CreditEntryCredited && entry.Status == domain.CreditStatusActive && entry.Expired(now) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memoryLedger) MarkExpired(_ context.Context, entryID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == entryID && m.entries[i].Status == domain.CreditStatusActive {
			m.entries[i].Status = domain.CreditStatusExpired
			m.entries[i].UpdatedAt = at
		}
	}
	return nil
}

type stubSessions struct {
	mu       sync.Mutex
	requests []payments.SessionRequest
	err      error
}

func (s *stubSessions) CreateSession(_ context.Context, paymentCtx payments.PaymentContext, req payments.SessionRequest) (payments.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return payments.Session{}, s.err
	}
	return payments.Session{
		ID:          req.Reference,
		Provider:    "midtrans",
		RedirectURL: "https://pay.example.com/" + req.Reference,
		Token:       "tok-" + req.Reference,
	}, nil
}

func (s *stubSessions) last() payments.SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type recordingEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifications struct {
	mu   sync.Mutex
	sent []OrderNotification
	err  error
}

func (r *recordingNotifications) PublishOrderNotification(_ context.Context, n OrderNotification) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, n)
	return fmt.Sprintf("msg-%d", len(r.sent)), nil
}

type memoryCache struct {
	mu          sync.Mutex
	statuses    map[string][]byte
	seen        map[string]bool
	invalidated []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{statuses: map[string][]byte{}, seen: map[string]bool{}}
}

func (c *memoryCache) OrderStatus(_ context.Context, orderID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.statuses[orderID]
	return payload, ok, nil
}

func (c *memoryCache) StoreOrderStatus(_ context.Context, orderID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[orderID] = payload
	return nil
}

func (c *memoryCache) InvalidateOrderStatus(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, orderID)
	c.invalidated = append(c.invalidated, orderID)
	return nil
}

func (c *memoryCache) WebhookSeen(_ context.Context, txn string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[txn], nil
}

func (c *memoryCache) MarkWebhook(_ context.Context, txn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[txn] = true
	return nil
}

type stubVerifier struct {
	err error
}

func (s stubVerifier) Verify(string, string, []byte) error {
	return s.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequenceIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ids) {
			i++
			return fmt.Sprintf("GEN%d", i)
		}
		id := ids[i]
		i++
		return id
	}
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	o.AppliedReturnIDs = slices.Clone(o.AppliedReturnIDs)
	if o.PaymentDetails != nil {
		details := *o.PaymentDetails
		o.PaymentDetails = &details
	}
	return o
}

func cloneServiceOrder(o domain.ServiceOrder) domain.ServiceOrder {
	o.Services = slices.Clone(o.Services)
	o.History = slices.Clone(o.History)
	o.SessionIDs = slices.Clone(o.SessionIDs)
	o.WebhookIdempotencyKeys = slices.Clone(o.WebhookIdempotencyKeys)
	if o.Final != nil {
		final := *o.Final
		o.Final = &final
	}
	return o
}
