package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/config"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/payment"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// memState backs the in-memory stores. memTx snapshots it so a failed
// transaction leaves no trace, like the MySQL stores.
type memState struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	shows     map[string]model.Show
	bookings  map[string]model.Booking
	tasks     map[string]model.Task
	reminders map[string]model.Task

	conflicts   int // UpdateOccupancy calls that fail with a version conflict
	hideReads   int // GetByID calls on bookings that pretend the row is missing
	insertsPaid int
}

func newMemState() *memState {
	return &memState{
		shows:     map[string]model.Show{},
		bookings:  map[string]model.Booking{},
		tasks:     map[string]model.Task{},
		reminders: map[string]model.Task{},
	}
}

type memSnapshot struct {
	shows     map[string]model.Show
	bookings  map[string]model.Booking
	tasks     map[string]model.Task
	reminders map[string]model.Task
}

func (st *memState) snapshot() memSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := memSnapshot{
		shows:     make(map[string]model.Show, len(st.shows)),
		bookings:  make(map[string]model.Booking, len(st.bookings)),
		tasks:     make(map[string]model.Task, len(st.tasks)),
		reminders: make(map[string]model.Task, len(st.reminders)),
	}
	for k, v := range st.shows {
		v.Occupancy = v.Occupancy.Clone()
		snap.shows[k] = v
	}
	for k, v := range st.bookings {
		v.Seats = append([]string(nil), v.Seats...)
		snap.bookings[k] = v
	}
	for k, v := range st.tasks {
		snap.tasks[k] = v
	}
	for k, v := range st.reminders {
		snap.reminders[k] = v
	}
	return snap
}

func (st *memState) restore(s memSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.shows, st.bookings, st.tasks, st.reminders = s.shows, s.bookings, s.tasks, s.reminders
}

type memTx struct{ st *memState }

func (m memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.st.txMu.Lock()
	defer m.st.txMu.Unlock()
	snap := m.st.snapshot()
	if err := fn(ctx); err != nil {
		m.st.restore(snap)
		return err
	}
	return nil
}

type memShows struct{ st *memState }

func (m memShows) Create(_ context.Context, s *model.Show) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.shows[s.ID]; ok {
		return repository.ErrDuplicate
	}
	cp := *s
	cp.Occupancy = s.Occupancy.Clone()
	m.st.shows[s.ID] = cp
	return nil
}

func (m memShows) GetByID(_ context.Context, id string) (*model.Show, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	s, ok := m.st.shows[id]
	if !ok {
		return nil, repository.ErrShowNotFound
	}
	s.Occupancy = s.Occupancy.Clone()
	return &s, nil
}

func (m memShows) UpdateOccupancy(_ context.Context, showID string, expectVersion uint64, occ model.Occupancy) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.conflicts > 0 {
		m.st.conflicts--
		return repository.ErrVersionConflict
	}
	s, ok := m.st.shows[showID]
	if !ok || s.Version != expectVersion {
		return repository.ErrVersionConflict
	}
	s.Occupancy = occ.Clone()
	s.Version++
	m.st.shows[showID] = s
	return nil
}

func (m memShows) ListUpcoming(_ context.Context, now time.Time, q model.ShowQuery) ([]model.Show, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.Show
	for _, s := range m.st.shows {
		if s.StartsAt.After(now) && strings.Contains(strings.ToLower(s.Title), strings.ToLower(q.Title)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type memBookings struct{ st *memState }

func (m memBookings) Create(_ context.Context, b *model.Booking) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.st.bookings[b.ID]; ok {
		return repository.ErrDuplicate
	}
	m.st.bookings[b.ID] = *b
	return nil
}

func (m memBookings) InsertPaid(_ context.Context, b *model.Booking) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	b.State = model.BookingPaid
	if _, ok := m.st.bookings[b.ID]; ok {
		return false, nil
	}
	m.st.bookings[b.ID] = *b
	m.st.insertsPaid++
	return true, nil
}

func (m memBookings) GetByID(_ context.Context, id string) (*model.Booking, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if m.st.hideReads > 0 {
		m.st.hideReads--
		return nil, repository.ErrBookingNotFound
	}
	b, ok := m.st.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	b.Seats = append([]string(nil), b.Seats...)
	return &b, nil
}

func (m memBookings) ListByHolder(_ context.Context, holderID string) ([]model.Booking, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.Booking
	for _, b := range m.st.bookings {
		if b.HolderID == holderID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m memBookings) update(id string, match func(model.Booking) bool, apply func(*model.Booking)) bool {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	b, ok := m.st.bookings[id]
	if !ok || !match(b) {
		return false
	}
	apply(&b)
	m.st.bookings[id] = b
	return true
}

func (m memBookings) SetSession(_ context.Context, id, sessionID, url string, expiresAt time.Time) (bool, error) {
	return m.update(id, func(b model.Booking) bool { return b.Unpaid() }, func(b *model.Booking) {
		b.SessionID, b.SessionURL, b.SessionExpiresAt, b.State = sessionID, url, expiresAt, model.BookingPending
	}), nil
}

func (m memBookings) MarkPaid(_ context.Context, id string) (bool, error) {
	return m.update(id, func(b model.Booking) bool { return b.State != model.BookingPaid }, func(b *model.Booking) {
		b.State, b.SessionID, b.SessionURL = model.BookingPaid, "", ""
	}), nil
}

func (m memBookings) MarkLinkExpired(_ context.Context, id, sessionID string) (bool, error) {
	return m.update(id, func(b model.Booking) bool {
		return b.State == model.BookingPending && b.SessionID == sessionID
	}, func(b *model.Booking) { b.State = model.BookingPaymentLinkExpired }), nil
}

func (m memBookings) DeleteUnpaid(_ context.Context, id string) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	b, ok := m.st.bookings[id]
	if !ok || !b.Unpaid() {
		return false, nil
	}
	delete(m.st.bookings, id)
	return true, nil
}

// memTasks stores cancellation tasks, or reminder tasks when reminders is
// set.
type memTasks struct {
	st        *memState
	reminders bool
}

func (m memTasks) table() map[string]model.Task {
	if m.reminders {
		return m.st.reminders
	}
	return m.st.tasks
}

func (m memTasks) Arm(_ context.Context, bookingID string, dueAt time.Time) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if _, ok := m.table()[bookingID]; !ok {
		m.table()[bookingID] = model.Task{BookingID: bookingID, DueAt: dueAt}
	}
	return nil
}

func (m memTasks) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]model.Task, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.Task
	for id, t := range m.table() {
		if len(out) == limit {
			break
		}
		if t.DueAt.After(now) {
			continue
		}
		t.DueAt = now.Add(lease)
		t.Attempts++
		m.table()[id] = t
		out = append(out, t)
	}
	return out, nil
}

func (m memTasks) Complete(_ context.Context, bookingID string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	delete(m.table(), bookingID)
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	requests  []payment.SessionRequest
	sessions  map[string]*payment.Session
	byIntent  map[string]*payment.Session
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]*payment.Session{}, byIntent: map[string]*payment.Session{}}
}

func (g *fakeGateway) CreateSession(_ context.Context, req payment.SessionRequest) (*payment.SessionHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("cs_%d", len(g.requests))
	g.sessions[id] = &payment.Session{ID: id, Correlation: req.Booking.Correlation()}
	return &payment.SessionHandle{ID: id, URL: "https://checkout.test/" + id, ExpiresAt: req.ExpiresAt}, nil
}

func (g *fakeGateway) GetSession(_ context.Context, id string) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	return s, nil
}

func (g *fakeGateway) SessionByPaymentIntent(_ context.Context, pi string) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.byIntent[pi]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(kind queue.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var t0 = time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)

func testConfig() config.BookingConfig {
	return config.BookingConfig{
		CancelAfter:            20 * time.Minute,
		SessionTTL:             30 * time.Minute,
		ReserveAttempts:        50,
		WebhookLookupAttempts:  3,
		WebhookLookupBackoff:   time.Millisecond,
		SchedulerPollInterval:  10 * time.Millisecond,
		SchedulerBatchSize:     100,
		SchedulerLease:         2 * time.Minute,
		SchedulerConcurrency:   4,
		SchedulerAlertAttempts: 5,
		ReminderLead:           8 * time.Hour,
	}
}

type harness struct {
	st        *memState
	shows     memShows
	bookings  memBookings
	tasks     memTasks
	reminders memTasks
	gw        *fakeGateway
	pub       *recordingPublisher
	clock     *fakeClock

	reservations *ReservationService
	scheduler    *CancellationScheduler
	remind       *ReminderScheduler
	booking      *BookingService
	reconciler   *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newMemState()
	h := &harness{
		st:        st,
		shows:     memShows{st},
		bookings:  memBookings{st},
		tasks:     memTasks{st: st},
		reminders: memTasks{st: st, reminders: true},
		gw:        newFakeGateway(),
		pub:       &recordingPublisher{},
		clock:     &fakeClock{t: t0},
	}
	cfg := testConfig()
	log := zap.NewNop()
	tx := memTx{st}

	h.reservations = NewReservationService(h.shows, cfg.ReserveAttempts, log)
	h.scheduler = NewCancellationScheduler(h.tasks, h.bookings, h.shows, tx, cfg, log)
	h.remind = NewReminderScheduler(h.reminders, h.bookings, h.shows, h.pub, cfg, log)
	h.booking = NewBookingService(h.reservations, h.scheduler, h.shows, h.bookings, tx, h.gw, h.pub, cfg, log)
	h.reconciler = NewReconciler(payment.NewWebhookVerifier("whsec_test"), h.gw, h.bookings, h.shows, tx, h.pub, cfg, log)

	h.reservations.now = h.clock.Now
	h.scheduler.now = h.clock.Now
	h.remind.now = h.clock.Now
	h.booking.now = h.clock.Now
	h.reconciler.now = h.clock.Now

	h.seedShow(t, "s1", 1200)
	return h
}

func (h *harness) seedShow(t *testing.T, id string, price int64) {
	t.Helper()
	err := h.shows.Create(context.Background(), &model.Show{
		ID: id, MovieID: "tt1160419", Title: "Dune", StartsAt: t0.Add(24 * time.Hour), PriceCents: price,
		Occupancy: model.Occupancy{}, CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) occupancy(t *testing.T, showID string) model.Occupancy {
	t.Helper()
	s, err := h.shows.GetByID(context.Background(), showID)
	if err != nil {
		t.Fatal(err)
	}
	return s.Occupancy
}

func (h *harness) book(t *testing.T, holder string, seats ...string) *model.Booking {
	t.Helper()
	b, err := h.booking.Create(context.Background(), CreateBookingInput{
		HolderID: holder, ShowID: "s1", Seats: seats,
		SuccessURL: "https://app.test/loading/my-bookings", CancelURL: "https://app.test/my-bookings",
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (h *harness) stored(t *testing.T, id string) *model.Booking {
	t.Helper()
	b, err := h.bookings.GetByID(context.Background(), id)
	if errors.Is(err, repository.ErrBookingNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func paidEvent(b *model.Booking) payment.SessionCompleted {
	return payment.SessionCompleted{ID: "evt_" + b.ID, SessionID: b.SessionID, PaymentIntentID: "pi_" + b.ID, Correlation: b.Correlation()}
}

func expiredEvent(b *model.Booking) payment.SessionExpired {
	return payment.SessionExpired{ID: "evt_exp_" + b.SessionID, SessionID: b.SessionID, Correlation: b.Correlation()}
}
