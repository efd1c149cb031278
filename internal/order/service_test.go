package order

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/cart"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	"github.com/Sertturk16/e-commerce-api/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"sync"
	"testing"
	"time"
)

type fakeDB struct{}

func (fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (fakeDB) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }

type memStock struct {
	mu       sync.Mutex
	products map[string]*catalog.Product
}

func (m *memStock) Get(_ context.Context, _ postgres.DB, id string) (*catalog.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStock) DecrementStock(_ context.Context, _ postgres.DB, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok || p.Stock < qty {
		return catalog.ErrInsufficientStock
	}
	p.Stock -= qty
	return nil
}

func (m *memStock) IncrementStock(_ context.Context, _ postgres.DB, id string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return catalog.ErrProductNotFound
	}
	p.Stock += qty
	return nil
}

func (m *memStock) level(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memStock) clone() map[string]catalog.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]catalog.Product{}
	for k, v := range m.products {
		out[k] = *v
	}
	return out
}

func (m *memStock) restore(snap map[string]catalog.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = map[string]*catalog.Product{}
	for k, v := range snap {
		cp := v
		m.products[k] = &cp
	}
}

type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	hook  func(key string)
}

func (l *keyLocker) WithLock(_ context.Context, key string, fn func() error) error {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	k, ok := l.locks[key]
	if !ok {
		k = &sync.Mutex{}
		l.locks[key] = k
	}
	hook := l.hook
	l.mu.Unlock()
	k.Lock()
	defer k.Unlock()
	if hook != nil {
		hook(key)
	}
	return fn()
}

// memOrders keeps order rows, item rows and addresses in memory.
type memOrders struct {
	mu        sync.Mutex
	orders    map[string]*Order
	orderSeq  []string
	items     map[string]*Item
	itemSeq   []string
	addresses map[string]*Address
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders:    map[string]*Order{},
		items:     map[string]*Item{},
		addresses: map[string]*Address{},
	}
}

func (m *memOrders) Insert(_ context.Context, _ postgres.DB, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	m.orderSeq = append(m.orderSeq, o.ID)
	return nil
}

func (m *memOrders) InsertItem(_ context.Context, _ postgres.DB, it *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *it
	m.items[it.ID] = &cp
	m.itemSeq = append(m.itemSeq, it.ID)
	return nil
}

func (m *memOrders) Get(_ context.Context, _ postgres.DB, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetForUser(_ context.Context, _ postgres.DB, orderID, userID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) ListByUser(_ context.Context, _ postgres.DB, userID string) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for i := len(m.orderSeq) - 1; i >= 0; i-- {
		o := m.orders[m.orderSeq[i]]
		if o != nil && o.UserID == userID && o.ParentOrderID == "" {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOrders) SubOrders(_ context.Context, _ postgres.DB, parentID string) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, id := range m.orderSeq {
		o := m.orders[id]
		if o != nil && o.ParentOrderID == parentID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memOrders) Items(_ context.Context, _ postgres.DB, orderID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, id := range m.itemSeq {
		it := m.items[id]
		if it != nil && it.OrderID == orderID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memOrders) ItemsOfParent(_ context.Context, _ postgres.DB, parentID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, id := range m.itemSeq {
		it := m.items[id]
		if it == nil {
			continue
		}
		o := m.orders[it.OrderID]
		if o != nil && o.ParentOrderID == parentID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memOrders) GetItem(_ context.Context, _ postgres.DB, itemID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *memOrders) SetStatus(_ context.Context, _ postgres.DB, orderID string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = st
	return nil
}

func (m *memOrders) SetPaymentStatus(_ context.Context, _ postgres.DB, orderID string, ps PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.PaymentStatus = ps
	return nil
}

func (m *memOrders) SetItemStatus(_ context.Context, _ postgres.DB, itemID string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	it.Status = st
	return nil
}

func (m *memOrders) SetItemsStatus(_ context.Context, _ postgres.DB, orderID string, st Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.OrderID == orderID {
			it.Status = st
		}
	}
	return nil
}

func (m *memOrders) Address(_ context.Context, _ postgres.DB, addressID, userID string) (*Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, ErrAddressNotFound
	}
	cp := *a
	return &cp, nil
}

type ordersSnap struct {
	orders   map[string]Order
	orderSeq []string
	items    map[string]Item
	itemSeq  []string
}

func (m *memOrders) clone() ordersSnap {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := ordersSnap{orders: map[string]Order{}, items: map[string]Item{}}
	for k, v := range m.orders {
		s.orders[k] = *v
	}
	for k, v := range m.items {
		s.items[k] = *v
	}
	s.orderSeq = append(s.orderSeq, m.orderSeq...)
	s.itemSeq = append(s.itemSeq, m.itemSeq...)
	return s
}

func (m *memOrders) restore(s ordersSnap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = map[string]*Order{}
	for k, v := range s.orders {
		cp := v
		m.orders[k] = &cp
	}
	m.items = map[string]*Item{}
	for k, v := range s.items {
		cp := v
		m.items[k] = &cp
	}
	m.orderSeq = s.orderSeq
	m.itemSeq = s.itemSeq
}

type userCart struct {
	c     cart.Cart
	items []cart.Item
}

// fakeCarts is the slice of the reservation ledger checkout needs: per-user
// carts plus an availability formula over the shared stock ledger.
type fakeCarts struct {
	mu     sync.Mutex
	byUser map[string]*userCart
	stock  *memStock
	others map[string]int // active holds outside any checkout cart
}

func (f *fakeCarts) ForUser(_ context.Context, userID string) (*cart.Cart, []cart.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uc, ok := f.byUser[userID]
	if !ok {
		return nil, nil, cart.ErrCartNotFound
	}
	cp := uc.c
	return &cp, append([]cart.Item(nil), uc.items...), nil
}

func (f *fakeCarts) Available(ctx context.Context, db postgres.DB, productID string, _ time.Time, _ ...string) (int, error) {
	p, err := f.stock.Get(ctx, db, productID)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return p.Stock - f.others[productID], nil
}

func (f *fakeCarts) ClearItems(_ context.Context, _ postgres.DB, cartID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, uc := range f.byUser {
		if uc.c.ID == cartID {
			uc.items = nil
		}
	}
	return nil
}

type cartsSnap struct {
	byUser map[string]userCart
	others map[string]int
}

func (f *fakeCarts) clone() cartsSnap {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := cartsSnap{byUser: map[string]userCart{}, others: map[string]int{}}
	for k, v := range f.byUser {
		s.byUser[k] = userCart{c: v.c, items: append([]cart.Item(nil), v.items...)}
	}
	for k, v := range f.others {
		s.others[k] = v
	}
	return s
}

func (f *fakeCarts) restore(s cartsSnap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser = map[string]*userCart{}
	for k, v := range s.byUser {
		cp := v
		f.byUser[k] = &cp
	}
	f.others = s.others
}

// fakeTx serializes units of work and rolls state back when fn fails.
type fakeTx struct {
	mu       sync.Mutex
	snapshot func() func()
}

func (r *fakeTx) WithTx(_ context.Context, fn func(postgres.DB) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	restore := r.snapshot()
	if err := fn(fakeDB{}); err != nil {
		restore()
		return err
	}
	return nil
}

type capturingProducer struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (p *capturingProducer) Publish(topic string, _, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
}

func (p *capturingProducer) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func (p *capturingProducer) last(topic string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.topics) - 1; i >= 0; i-- {
		if p.topics[i] == topic {
			return p.values[i]
		}
	}
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type world struct {
	svc    *Service
	orders *memOrders
	stock  *memStock
	carts  *fakeCarts
	locks  *keyLocker
	prod   *capturingProducer
	ck     *clock
}

func newWorld() *world {
	stock := &memStock{products: map[string]*catalog.Product{}}
	ordSt := newMemOrders()
	carts := &fakeCarts{byUser: map[string]*userCart{}, stock: stock, others: map[string]int{}}
	prod := &capturingProducer{}
	locks := &keyLocker{}
	ck := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	runner := &fakeTx{}
	runner.snapshot = func() func() {
		oSnap := ordSt.clone()
		sSnap := stock.clone()
		cSnap := carts.clone()
		return func() {
			ordSt.restore(oSnap)
			stock.restore(sSnap)
			carts.restore(cSnap)
		}
	}

	svc := &Service{
		DB:       fakeDB{},
		Runner:   runner,
		Store:    ordSt,
		Stock:    stock,
		Carts:    carts,
		Locks:    locks,
		Producer: prod,
		Name:     "test",
		Now:      ck.now,
	}
	return &world{svc: svc, orders: ordSt, stock: stock, carts: carts, locks: locks, prod: prod, ck: ck}
}

func (w *world) product(id, sellerID string, priceCents int64, stock int) {
	w.stock.mu.Lock()
	defer w.stock.mu.Unlock()
	w.stock.products[id] = &catalog.Product{ID: id, SellerID: sellerID, PriceCents: priceCents, Stock: stock}
}

func (w *world) address(id, userID string) {
	w.orders.mu.Lock()
	defer w.orders.mu.Unlock()
	w.orders.addresses[id] = &Address{ID: id, UserID: userID}
}

func (w *world) fillCart(userID string, holds ...cart.Item) {
	w.carts.mu.Lock()
	defer w.carts.mu.Unlock()
	uc := &userCart{c: cart.Cart{ID: "cart-" + userID, UserID: userID}}
	for _, h := range holds {
		if h.ReservedUntil.IsZero() {
			h.ReservedUntil = w.ck.now().Add(15 * time.Minute)
		}
		h.CartID = uc.c.ID
		uc.items = append(uc.items, h)
	}
	w.carts.byUser[userID] = uc
}

func subBySeller(o *Order, sellerID string) *Order {
	for _, s := range o.SubOrders {
		if s.SellerID == sellerID {
			return s
		}
	}
	return nil
}

func TestCheckoutSplitsBySeller(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.product("p2", "s2", 2000, 5)
	w.address("a1", "u1")
	w.fillCart("u1",
		cart.Item{ProductID: "p1", Quantity: 2},
		cart.Item{ProductID: "p2", Quantity: 1},
	)

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.IsParent || o.TotalCents != 4000 {
		t.Errorf("parent: is_parent=%v total=%d, want true/4000", o.IsParent, o.TotalCents)
	}
	if o.Status != StatusPending || o.PaymentStatus != PaymentPending {
		t.Errorf("fresh order must be PENDING/PENDING, got %s/%s", o.Status, o.PaymentStatus)
	}
	if len(o.SubOrders) != 2 {
		t.Fatalf("expected 2 sub-orders, got %d", len(o.SubOrders))
	}
	s1, s2 := subBySeller(o, "s1"), subBySeller(o, "s2")
	if s1 == nil || s2 == nil {
		t.Fatalf("missing seller sub-order: %+v", o.SubOrders)
	}
	if s1.TotalCents != 2000 || s2.TotalCents != 2000 {
		t.Errorf("sub totals: s1=%d s2=%d, want 2000/2000", s1.TotalCents, s2.TotalCents)
	}
	if len(s1.Items) != 1 || len(s2.Items) != 1 {
		t.Errorf("sub item rows: s1=%d s2=%d, want 1/1", len(s1.Items), len(s2.Items))
	}
	if len(o.Items) != 2 {
		t.Errorf("parent aggregates %d items, want 2", len(o.Items))
	}
	if w.stock.level("p1") != 3 || w.stock.level("p2") != 4 {
		t.Errorf("stock after checkout: p1=%d p2=%d, want 3/4", w.stock.level("p1"), w.stock.level("p2"))
	}
	if _, items, _ := w.carts.ForUser(context.Background(), "u1"); len(items) != 0 {
		t.Errorf("cart not cleared after checkout")
	}
	if n := w.prod.count(TopicOrderCreated); n != 1 {
		t.Errorf("expected 1 order.created event, got %d", n)
	}
	var env Envelope
	if err := json.Unmarshal(w.prod.last(TopicOrderCreated), &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.EventType != EventOrderCreated || env.CorrelationID != o.ID {
		t.Errorf("envelope: type=%s corr=%s", env.EventType, env.CorrelationID)
	}

	// Prices were frozen at checkout; a later price change must not leak in.
	w.stock.mu.Lock()
	w.stock.products["p1"].PriceCents = 9999
	w.stock.mu.Unlock()
	got, err := w.svc.Get(context.Background(), "u1", o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, it := range got.Items {
		if it.ProductID == "p1" && it.PriceCents != 1000 {
			t.Errorf("price not frozen: %d", it.PriceCents)
		}
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	w := newWorld()
	w.address("a1", "u1")

	if _, err := w.svc.Checkout(context.Background(), "u1", "a1"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("no cart: expected ErrEmptyCart, got %v", err)
	}
	w.fillCart("u1")
	if _, err := w.svc.Checkout(context.Background(), "u1", "a1"); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("empty cart: expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutAddressMustBelongToUser(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a9", "someone-else")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	if _, err := w.svc.Checkout(context.Background(), "u1", "a9"); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("stock must be untouched, got %d", w.stock.level("p1"))
	}
}

func TestCheckoutLapsedHoldRejected(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1, ReservedUntil: w.ck.now().Add(-time.Minute)})

	if _, err := w.svc.Checkout(context.Background(), "u1", "a1"); !errors.Is(err, ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("stock must be untouched, got %d", w.stock.level("p1"))
	}
	if len(w.orders.orderSeq) != 0 {
		t.Errorf("no order rows expected, got %d", len(w.orders.orderSeq))
	}
}

func TestCheckoutInsufficientAtPrecheck(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 3)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 2})
	w.carts.others["p1"] = 2 // someone else holds 2 of 3

	if _, err := w.svc.Checkout(context.Background(), "u1", "a1"); !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if len(w.orders.orderSeq) != 0 {
		t.Errorf("no order rows expected, got %d", len(w.orders.orderSeq))
	}
	if n := w.prod.count(TopicOrderCreated); n != 0 {
		t.Errorf("no events expected, got %d", n)
	}
}

func TestCheckoutRollsBackWhenOneItemFails(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.product("p2", "s1", 2000, 5)
	w.address("a1", "u1")
	w.fillCart("u1",
		cart.Item{ProductID: "p1", Quantity: 1},
		cart.Item{ProductID: "p2", Quantity: 1},
	)
	// Stock for p2 vanishes between the advisory pre-check and its in-tx
	// verification, after p1 was already decremented.
	w.locks.hook = func(key string) {
		if key == "product:p2:stock" {
			w.stock.mu.Lock()
			w.stock.products["p2"].Stock = 0
			w.stock.mu.Unlock()
		}
	}

	_, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("p1 decrement not rolled back: %d", w.stock.level("p1"))
	}
	if len(w.orders.orderSeq) != 0 || len(w.orders.itemSeq) != 0 {
		t.Errorf("partial order rows survived: orders=%d items=%d", len(w.orders.orderSeq), len(w.orders.itemSeq))
	}
	if _, items, _ := w.carts.ForUser(context.Background(), "u1"); len(items) != 2 {
		t.Errorf("cart must survive a failed checkout, got %d rows", len(items))
	}
	if n := w.prod.count(TopicOrderCreated); n != 0 {
		t.Errorf("no events expected, got %d", n)
	}
}

func TestConcurrentCheckoutsLastUnits(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 2)
	for _, u := range []string{"u1", "u2", "u3"} {
		w.address("a-"+u, u)
		w.fillCart(u, cart.Item{ProductID: "p1", Quantity: 1})
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, u := range []string{"u1", "u2", "u3"} {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = w.svc.Checkout(context.Background(), u, "a-"+u)
		}(i, u)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, catalog.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 || insufficient != 1 {
		t.Fatalf("expected 2 winners and 1 rejection, got ok=%d insufficient=%d", ok, insufficient)
	}
	if w.stock.level("p1") != 0 {
		t.Errorf("stock must end at 0, got %d", w.stock.level("p1"))
	}
	// 2 parents + 2 sub-orders; the loser left nothing behind.
	if len(w.orders.orderSeq) != 4 {
		t.Errorf("expected 4 order rows, got %d", len(w.orders.orderSeq))
	}
	if n := w.prod.count(TopicOrderCreated); n != 2 {
		t.Errorf("expected 2 order.created events, got %d", n)
	}
}

func TestCancelRestoresStock(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 2})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 3 {
		t.Fatalf("stock after checkout: %d", w.stock.level("p1"))
	}

	got, err := w.svc.Cancel(context.Background(), "u1", o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentRefunded {
		t.Errorf("parent after cancel: %s/%s", got.Status, got.PaymentStatus)
	}
	for _, sub := range got.SubOrders {
		if sub.Status != StatusCancelled || sub.PaymentStatus != PaymentRefunded {
			t.Errorf("sub after cancel: %s/%s", sub.Status, sub.PaymentStatus)
		}
	}
	for _, it := range got.Items {
		if it.Status != StatusCancelled {
			t.Errorf("item after cancel: %s", it.Status)
		}
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("checkout+cancel must be stock neutral, got %d", w.stock.level("p1"))
	}
	if n := w.prod.count(TopicOrderCancelled); n != 1 {
		t.Errorf("expected 1 order.cancelled event, got %d", n)
	}
	if n := w.prod.count(TopicStockRestored); n != 1 {
		t.Errorf("expected 1 stock.restored event, got %d", n)
	}
	var env Envelope
	if err := json.Unmarshal(w.prod.last(TopicStockRestored), &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	var pl StockRestoredPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(pl.Items) != 1 || pl.Items[0].Qty != 2 {
		t.Errorf("restored payload: %+v", pl.Items)
	}
}

func TestCancelScopeAndState(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Another user cannot see or cancel it.
	if _, err := w.svc.Cancel(context.Background(), "u2", o.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("foreign user: expected ErrOrderNotFound, got %v", err)
	}
	// Sub-orders are not addressable through user cancellation.
	if _, err := w.svc.Cancel(context.Background(), "u1", o.SubOrders[0].ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("sub-order id: expected ErrOrderNotFound, got %v", err)
	}
	// Once paid the window is closed.
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("paid order: expected ErrNotCancellable, got %v", err)
	}
}

func TestParentCancelSkipsCancelledSubs(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.product("p2", "s2", 2000, 5)
	w.address("a1", "u1")
	w.fillCart("u1",
		cart.Item{ProductID: "p1", Quantity: 2},
		cart.Item{ProductID: "p2", Quantity: 2},
	)

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub1 := subBySeller(o, "s1")

	if _, err := w.svc.CancelSubOrder(context.Background(), "s1", sub1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Fatalf("p1 not restored by seller cancel: %d", w.stock.level("p1"))
	}

	// The parent cascade must not restore p1 a second time.
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("p1 double-restored: %d", w.stock.level("p1"))
	}
	if w.stock.level("p2") != 5 {
		t.Errorf("p2 not restored: %d", w.stock.level("p2"))
	}
}

func TestSellerCancelLastSiblingCancelsParent(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.product("p2", "s2", 2000, 5)
	w.address("a1", "u1")
	w.fillCart("u1",
		cart.Item{ProductID: "p1", Quantity: 1},
		cart.Item{ProductID: "p2", Quantity: 1},
	)

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub1, sub2 := subBySeller(o, "s1"), subBySeller(o, "s2")

	if _, err := w.svc.CancelSubOrder(context.Background(), "s1", sub1.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent, _ := w.orders.Get(context.Background(), fakeDB{}, o.ID)
	if parent.Status != StatusPending {
		t.Fatalf("parent must stay PENDING while a sibling lives, got %s", parent.Status)
	}

	if _, err := w.svc.CancelSubOrder(context.Background(), "s2", sub2.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent, _ = w.orders.Get(context.Background(), fakeDB{}, o.ID)
	if parent.Status != StatusCancelled || parent.PaymentStatus != PaymentRefunded {
		t.Errorf("parent after last sibling: %s/%s", parent.Status, parent.PaymentStatus)
	}
	// sub1, sub2, then the parent follow-up.
	if n := w.prod.count(TopicOrderCancelled); n != 3 {
		t.Errorf("expected 3 order.cancelled events, got %d", n)
	}
	var env Envelope
	if err := json.Unmarshal(w.prod.last(TopicOrderCancelled), &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	var pl OrderCancelledPayload
	if err := json.Unmarshal(env.Payload, &pl); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if pl.Scope != "parent" || pl.OrderID != o.ID {
		t.Errorf("last event should be the parent follow-up: %+v", pl)
	}
}

func TestCancelSubOrderGuards(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub := o.SubOrders[0]

	if _, err := w.svc.CancelSubOrder(context.Background(), "s9", sub.ID); !errors.Is(err, ErrNotSeller) {
		t.Errorf("wrong seller: expected ErrNotSeller, got %v", err)
	}
	if _, err := w.svc.CancelSubOrder(context.Background(), "s1", o.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("parent id: expected ErrOrderNotFound, got %v", err)
	}

	// CONFIRMED is still cancellable by the seller, SHIPPED is not.
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.svc.CancelSubOrder(context.Background(), "s1", sub.ID); err != nil {
		t.Errorf("confirmed sub-order should cancel, got %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("stock not restored on confirmed cancel: %d", w.stock.level("p1"))
	}
}

func TestUpdateItemStatusMirrors(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item := o.SubOrders[0].Items[0]

	if _, err := w.svc.UpdateItemStatus(context.Background(), "s9", item.ID, StatusShipped); !errors.Is(err, ErrNotSeller) {
		t.Errorf("wrong seller: expected ErrNotSeller, got %v", err)
	}
	got, err := w.svc.UpdateItemStatus(context.Background(), "s1", item.ID, StatusShipped)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusShipped {
		t.Errorf("item status: %s", got.Status)
	}
	sub, _ := w.orders.Get(context.Background(), fakeDB{}, item.OrderID)
	parent, _ := w.orders.Get(context.Background(), fakeDB{}, o.ID)
	if sub.Status != StatusShipped || parent.Status != StatusShipped {
		t.Errorf("status not mirrored: sub=%s parent=%s", sub.Status, parent.Status)
	}

	// No going back once shipped.
	if _, err := w.svc.UpdateItemStatus(context.Background(), "s1", item.ID, StatusConfirmed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := w.svc.UpdateItemStatus(context.Background(), "s1", item.ID, StatusDelivered); err != nil {
		t.Errorf("shipped to delivered should pass, got %v", err)
	}
}

func TestItemCancelledKeepsStock(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 2})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item := o.SubOrders[0].Items[0]

	// The fulfillment machine can mark an item CANCELLED, but only the
	// cancellation flows give units back.
	if _, err := w.svc.UpdateItemStatus(context.Background(), "s1", item.ID, StatusCancelled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 3 {
		t.Errorf("item status change must not restore stock, got %d", w.stock.level("p1"))
	}
}

func TestMarkPaidIdempotent(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := w.svc.Get(context.Background(), "u1", o.ID)
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Errorf("parent after payment: %s/%s", got.Status, got.PaymentStatus)
	}
	for _, sub := range got.SubOrders {
		if sub.Status != StatusConfirmed || sub.PaymentStatus != PaymentPaid {
			t.Errorf("sub after payment: %s/%s", sub.Status, sub.PaymentStatus)
		}
		for _, it := range sub.Items {
			if it.Status != StatusConfirmed {
				t.Errorf("item after payment: %s", it.Status)
			}
		}
	}

	// Redelivered callback is a no-op.
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := w.prod.count(TopicOrderPaid); n != 1 {
		t.Errorf("expected 1 order.paid event, got %d", n)
	}
}

func TestMarkPaidAfterCancelRejected(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 2})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Fatalf("stock after cancel: %d", w.stock.level("p1"))
	}

	// The units are back on the shelf; a late gateway callback must not
	// resurrect the order and claim them a second time.
	if err := w.svc.MarkPaid(context.Background(), o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := w.svc.Get(context.Background(), "u1", o.ID)
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentRefunded {
		t.Errorf("parent resurrected: %s/%s, want CANCELLED/REFUNDED", got.Status, got.PaymentStatus)
	}
	for _, sub := range got.SubOrders {
		if sub.Status != StatusCancelled || sub.PaymentStatus != PaymentRefunded {
			t.Errorf("sub resurrected: %s/%s", sub.Status, sub.PaymentStatus)
		}
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("stock moved by rejected callback: %d", w.stock.level("p1"))
	}
	if n := w.prod.count(TopicOrderPaid); n != 0 {
		t.Errorf("no order.paid event expected, got %d", n)
	}
}

func TestMarkFailedAfterCancelRejected(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := w.svc.MarkFailed(context.Background(), o.ID, "card declined"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := w.svc.Get(context.Background(), "u1", o.ID)
	if got.PaymentStatus != PaymentRefunded {
		t.Errorf("refund overwritten: %s", got.PaymentStatus)
	}
	for _, sub := range got.SubOrders {
		if sub.PaymentStatus != PaymentRefunded {
			t.Errorf("sub refund overwritten: %s", sub.PaymentStatus)
		}
	}
}

func TestMarkFailedIdempotent(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.svc.MarkFailed(context.Background(), o.ID, "card declined"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Redelivered decline is a no-op and must not re-publish.
	if err := w.svc.MarkFailed(context.Background(), o.ID, "card declined"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := w.prod.count(TopicOrderPaymentFailed); n != 1 {
		t.Errorf("expected 1 payment failed event, got %d", n)
	}
}

func TestMarkRefundedAfterCancelNoOp(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Cancel already recorded the refund; the gateway's confirmation of it
	// changes nothing.
	if err := w.svc.MarkRefunded(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := w.svc.Get(context.Background(), "u1", o.ID)
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentRefunded {
		t.Errorf("after refund callback: %s/%s", got.Status, got.PaymentStatus)
	}
}

func TestMarkFailedKeepsStockDeducted(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 2})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := w.svc.MarkFailed(context.Background(), o.ID, "card declined"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := w.svc.Get(context.Background(), "u1", o.ID)
	if got.Status != StatusPending || got.PaymentStatus != PaymentFailed {
		t.Errorf("after failed payment: %s/%s, want PENDING/FAILED", got.Status, got.PaymentStatus)
	}
	if w.stock.level("p1") != 3 {
		t.Errorf("stock must stay deducted after payment failure, got %d", w.stock.level("p1"))
	}
	if n := w.prod.count(TopicOrderPaymentFailed); n != 1 {
		t.Errorf("expected 1 payment failed event, got %d", n)
	}

	// The user can still walk away; cancel releases the units.
	if _, err := w.svc.Cancel(context.Background(), "u1", o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.stock.level("p1") != 5 {
		t.Errorf("stock not released by cancel, got %d", w.stock.level("p1"))
	}
}

func TestStatusOf(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 5)
	w.address("a1", "u1")
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})

	o, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, ps, err := w.svc.StatusOf(context.Background(), o.ID)
	if err != nil || st != StatusPending || ps != PaymentPending {
		t.Errorf("fresh order: %s/%s err=%v", st, ps, err)
	}
	if err := w.svc.MarkPaid(context.Background(), o.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st, ps, err = w.svc.StatusOf(context.Background(), o.ID)
	if err != nil || st != StatusConfirmed || ps != PaymentPaid {
		t.Errorf("paid order: %s/%s err=%v", st, ps, err)
	}
	if _, _, err := w.svc.StatusOf(context.Background(), "nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestListByUserParentsOnly(t *testing.T) {
	w := newWorld()
	w.product("p1", "s1", 1000, 10)
	w.address("a1", "u1")

	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})
	first, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.fillCart("u1", cart.Item{ProductID: "p1", Quantity: 1})
	second, err := w.svc.Checkout(context.Background(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := w.svc.ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 parents, got %d", len(got))
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
	for _, o := range got {
		if o.ParentOrderID != "" {
			t.Errorf("sub-order leaked into the listing: %s", o.ID)
		}
	}
}
