package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"findmyspot-backend/internal/db"
	"findmyspot-backend/internal/model"
	"findmyspot-backend/internal/notification"
	"findmyspot-backend/internal/spot"
	"findmyspot-backend/internal/store"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recorder) Notify(ev notification.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []notification.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// failingGateway injects an error into one gateway method inside transactions.
type failingGateway struct {
	store.Gateway
	mu     *sync.Mutex
	failOn *string
	err    error
}

func newFailingGateway(gw store.Gateway, err error) *failingGateway {
	empty := ""
	return &failingGateway{Gateway: gw, mu: &sync.Mutex{}, failOn: &empty, err: err}
}

func (g *failingGateway) setFailOn(method string) {
	g.mu.Lock()
	*g.failOn = method
	g.mu.Unlock()
}

func (g *failingGateway) fails(method string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.failOn == method
}

func (g *failingGateway) Transaction(ctx context.Context, fn func(tx store.Gateway) error) error {
	return g.Gateway.Transaction(ctx, func(tx store.Gateway) error {
		return fn(&failingGateway{Gateway: tx, mu: g.mu, failOn: g.failOn, err: g.err})
	})
}

func (g *failingGateway) CreateReservation(ctx context.Context, r model.Reservation) error {
	if g.fails("CreateReservation") {
		return g.err
	}
	return g.Gateway.CreateReservation(ctx, r)
}

func (g *failingGateway) AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error {
	if g.fails("AdjustBalance") {
		return g.err
	}
	return g.Gateway.AdjustBalance(ctx, username, delta)
}

func (g *failingGateway) ArchiveReservation(ctx context.Context, r model.Reservation, releasedAt time.Time, reason string) error {
	if g.fails("ArchiveReservation") {
		return g.err
	}
	return g.Gateway.ArchiveReservation(ctx, r, releasedAt, reason)
}

// stallingGateway never completes a transaction before its context ends.
type stallingGateway struct {
	store.Gateway
}

func (g stallingGateway) Transaction(ctx context.Context, fn func(tx store.Gateway) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	ledger *Ledger
	store  store.Store
	clock  *fakeClock
	events *recorder
}

func newFixture(t *testing.T, gw func(store.Store) store.Gateway, opts Options) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	f := &fixture{store: s, clock: &fakeClock{now: t0}, events: &recorder{}}

	var g store.Gateway = s
	if gw != nil {
		g = gw(s)
	}
	spots := spot.NewRegistry(
		[4]spot.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
		[4]spot.Point{{X: 20, Y: 0}, {X: 30, Y: 0}, {X: 30, Y: 10}, {X: 20, Y: 10}},
		[4]spot.Point{{X: 40, Y: 0}, {X: 50, Y: 0}, {X: 50, Y: 10}, {X: 40, Y: 10}},
		[4]spot.Point{{X: 60, Y: 0}, {X: 70, Y: 0}, {X: 70, Y: 10}, {X: 60, Y: 10}},
		[4]spot.Point{{X: 80, Y: 0}, {X: 90, Y: 0}, {X: 90, Y: 10}, {X: 80, Y: 10}},
	)
	opts.Sink = f.events
	opts.Now = f.clock.Now
	if opts.Cost.IsZero() {
		opts.Cost = decimal.NewFromInt(5)
	}
	f.ledger = New(g, spots, opts)
	return f
}

func (f *fixture) addUser(t *testing.T, username, balance string) {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), username, "pw", decimal.RequireFromString(balance)))
}

func (f *fixture) balance(t *testing.T, username string) decimal.Decimal {
	t.Helper()
	acct, err := f.store.GetUser(context.Background(), username)
	require.NoError(t, err)
	return acct.Balance
}

func assertBalance(t *testing.T, f *fixture, username, want string) {
	t.Helper()
	got := f.balance(t, username)
	assert.True(t, decimal.RequireFromString(want).Equal(got), "balance of %s: want %s, got %s", username, want, got)
}

func TestLedger_ReserveUnreserveRestoresBalance(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "12.35")
	ctx := context.Background()

	r, err := f.ledger.Reserve(ctx, "alice", 2, 0, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 2, r.SpotID)
	assert.True(t, r.ExpiresAt.After(r.ReservedAt))
	assertBalance(t, f, "alice", "7.35")

	_, err = f.ledger.Unreserve(ctx, "alice", 2)
	require.NoError(t, err)
	assertBalance(t, f, "alice", "12.35")

	_, ok := f.ledger.Get(2)
	assert.False(t, ok)
	assert.Equal(t, []notification.Kind{notification.KindReserved, notification.KindUnreserved}, f.events.kinds())

	history, err := f.store.ListHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ReasonUnreserved, history[0].Reason)
}

func TestLedger_RepeatedCyclesDoNotDrift(t *testing.T) {
	f := newFixture(t, nil, Options{Cost: decimal.RequireFromString("0.1")})
	f.addUser(t, "alice", "1")
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := f.ledger.Reserve(ctx, "alice", i%5, 0, decimal.Zero)
		require.NoError(t, err)
		_, err = f.ledger.Unreserve(ctx, "alice", i%5)
		require.NoError(t, err)
	}
	assertBalance(t, f, "alice", "1")
}

func TestLedger_InsufficientFunds(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "5")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 0, 0, decimal.NewFromInt(5))
	require.NoError(t, err)
	assertBalance(t, f, "alice", "0")

	_, err = f.ledger.Reserve(ctx, "alice", 1, 0, decimal.NewFromInt(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assertBalance(t, f, "alice", "0")

	_, ok := f.ledger.Get(1)
	assert.False(t, ok)
	assert.Equal(t, []int{0}, f.ledger.GetUserReservations("alice"))
	assert.Equal(t, []notification.Kind{notification.KindReserved, notification.KindInsufficientBalance}, f.events.kinds())
}

func TestLedger_ConflictsLeaveReservationWithOwner(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "20")
	f.addUser(t, "bob", "20")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 3, 0, decimal.Zero)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, "bob", 3, 0, decimal.Zero)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
	assert.Equal(t, KindConflict, KindOf(err))

	_, err = f.ledger.Unreserve(ctx, "bob", 3)
	assert.ErrorIs(t, err, ErrNotReservedByUser)
	assert.Equal(t, KindConflict, KindOf(err))

	r, ok := f.ledger.Get(3)
	require.True(t, ok)
	assert.Equal(t, "alice", r.Username)
	assertBalance(t, f, "alice", "15")
	assertBalance(t, f, "bob", "20")

	_, err = f.ledger.Unreserve(ctx, "bob", 4)
	assert.ErrorIs(t, err, ErrNotReservedByUser)
}

func TestLedger_ValidationErrors(t *testing.T) {
	f := newFixture(t, nil, Options{Hold: time.Minute, MaxHold: time.Hour})
	f.addUser(t, "alice", "20")
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		spotID   int
		hold     time.Duration
		cost     decimal.Decimal
		want     error
	}{
		{"unknown spot", "alice", 99, 0, decimal.Zero, ErrInvalidSpot},
		{"negative spot", "alice", -1, 0, decimal.Zero, ErrInvalidSpot},
		{"hold above max", "alice", 1, 2 * time.Hour, decimal.Zero, ErrInvalidHold},
		{"negative hold", "alice", 1, -time.Second, decimal.Zero, ErrInvalidHold},
		{"negative cost", "alice", 1, 0, decimal.NewFromInt(-1), ErrInvalidCost},
		{"sub-cent cost", "alice", 1, 0, decimal.RequireFromString("5.005"), ErrInvalidCost},
		{"unknown user", "mallory", 1, 0, decimal.Zero, ErrUnknownUser},
		{"empty user", "", 1, 0, decimal.Zero, ErrUnknownUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Reserve(ctx, tt.username, tt.spotID, tt.hold, tt.cost)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindValidation, KindOf(err))

			var le *Error
			require.True(t, errors.As(err, &le))
			assert.False(t, le.Retryable())
		})
	}

	assert.Empty(t, f.ledger.Snapshot())
	assertBalance(t, f, "alice", "20")

	_, err := f.ledger.Unreserve(ctx, "alice", 99)
	assert.ErrorIs(t, err, ErrInvalidSpot)
}

func TestLedger_HoldExpiry(t *testing.T) {
	f := newFixture(t, nil, Options{Hold: time.Hour})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 3, 60*time.Second, decimal.Zero)
	require.NoError(t, err)
	assertBalance(t, f, "alice", "5")

	assert.Equal(t, 3*time.Second, f.ledger.RemainingTime(3, t0.Add(57*time.Second)))
	assert.Empty(t, f.ledger.ExpireDue(ctx, t0.Add(57*time.Second)))

	f.clock.Set(t0.Add(61 * time.Second))
	expired := f.ledger.ExpireDue(ctx, t0.Add(61*time.Second))
	assert.Equal(t, []Expired{{SpotID: 3, Username: "alice"}}, expired)
	assertBalance(t, f, "alice", "10")
	assert.Zero(t, f.ledger.RemainingTime(3, t0.Add(61*time.Second)))

	// A second scan with the same time finds nothing to refund.
	assert.Empty(t, f.ledger.ExpireDue(ctx, t0.Add(61*time.Second)))
	assertBalance(t, f, "alice", "10")

	history, err := f.store.ListHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ReasonExpired, history[0].Reason)
	assert.Equal(t, []notification.Kind{notification.KindReserved, notification.KindExpired}, f.events.kinds())
}

func TestLedger_ExpireDueBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	r, err := f.ledger.Reserve(ctx, "alice", 0, time.Minute, decimal.Zero)
	require.NoError(t, err)

	assert.Empty(t, f.ledger.ExpireDue(ctx, r.ExpiresAt.Add(-time.Nanosecond)))
	assert.Len(t, f.ledger.ExpireDue(ctx, r.ExpiresAt), 1)
}

func TestLedger_PersistenceFailureRollsBack(t *testing.T) {
	boom := errors.New("connection refused")
	var fg *failingGateway
	f := newFixture(t, func(s store.Store) store.Gateway {
		fg = newFailingGateway(s, boom)
		return fg
	}, Options{})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	fg.setFailOn("CreateReservation")
	_, err := f.ledger.Reserve(ctx, "alice", 1, 0, decimal.Zero)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, boom)

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.True(t, le.Retryable())
	assert.Equal(t, "reserve", le.Op)

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	assert.Equal(t, notification.KindRejected, last.Kind)
	assert.NotContains(t, last.Message, boom.Error(), "store errors stay out of broadcast events")
	assert.Equal(t, "Spot 1 could not be updated right now, try again", last.Message)

	// The debit happened before the failing insert and must be rolled back.
	assertBalance(t, f, "alice", "10")
	_, ok := f.ledger.Get(1)
	assert.False(t, ok)
	ids, err := f.store.ListActiveReservationSpotIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	fg.setFailOn("")
	_, err = f.ledger.Reserve(ctx, "alice", 1, 0, decimal.Zero)
	require.NoError(t, err)

	fg.setFailOn("ArchiveReservation")
	_, err = f.ledger.Unreserve(ctx, "alice", 1)
	assert.ErrorIs(t, err, ErrPersistence)
	r, ok := f.ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, "alice", r.Username)
	assertBalance(t, f, "alice", "5")
}

func TestLedger_ExpireDueRetriesFailedRelease(t *testing.T) {
	var fg *failingGateway
	f := newFixture(t, func(s store.Store) store.Gateway {
		fg = newFailingGateway(s, errors.New("disk full"))
		return fg
	}, Options{})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 4, time.Minute, decimal.Zero)
	require.NoError(t, err)

	fg.setFailOn("AdjustBalance")
	later := t0.Add(2 * time.Minute)
	assert.Empty(t, f.ledger.ExpireDue(ctx, later))
	_, ok := f.ledger.Get(4)
	assert.True(t, ok, "failed release must stay active")
	assertBalance(t, f, "alice", "5")

	fg.setFailOn("")
	assert.Equal(t, []Expired{{SpotID: 4, Username: "alice"}}, f.ledger.ExpireDue(ctx, later))
	assertBalance(t, f, "alice", "10")
}

func TestLedger_PersistenceTimeout(t *testing.T) {
	f := newFixture(t, func(s store.Store) store.Gateway {
		return stallingGateway{Gateway: s}
	}, Options{PersistTimeout: 20 * time.Millisecond})
	f.addUser(t, "alice", "10")

	start := time.Now()
	_, err := f.ledger.Reserve(context.Background(), "alice", 0, 0, decimal.Zero)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.Empty(t, f.ledger.Snapshot())
	assertBalance(t, f, "alice", "10")
}

func TestLedger_ConcurrentReservesOnOneSpot(t *testing.T) {
	f := newFixture(t, nil, Options{})
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	for _, u := range users {
		f.addUser(t, u, "10")
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, results[i] = f.ledger.Reserve(ctx, u, 2, 0, decimal.Zero)
		}(i, u)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyReserved)
	}
	assert.Equal(t, 1, succeeded)

	ids, err := f.store.ListActiveReservationSpotIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestLedger_UnreserveRacingExpiry(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 1, time.Minute, decimal.Zero)
	require.NoError(t, err)

	_, err = f.ledger.Unreserve(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Empty(t, f.ledger.ExpireDue(ctx, t0.Add(time.Hour)))
	assertBalance(t, f, "alice", "10")
}

func TestLedger_SnapshotAndUserReservations(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "50")
	f.addUser(t, "bob", "50")
	ctx := context.Background()

	for _, id := range []int{4, 0, 2} {
		_, err := f.ledger.Reserve(ctx, "alice", id, 0, decimal.Zero)
		require.NoError(t, err)
	}
	_, err := f.ledger.Reserve(ctx, "bob", 1, 0, decimal.Zero)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2, 4}, f.ledger.GetUserReservations("alice"))
	assert.Equal(t, []int{}, f.ledger.GetUserReservations("carol"))

	snap := f.ledger.Snapshot()
	assert.Len(t, snap, 4)
	delete(snap, 1)
	_, ok := f.ledger.Get(1)
	assert.True(t, ok, "snapshot must be a copy")
}

func TestLedger_Restore(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.addUser(t, "alice", "10")
	ctx := context.Background()

	_, err := f.ledger.Reserve(ctx, "alice", 3, time.Minute, decimal.NewFromInt(4))
	require.NoError(t, err)

	restarted := New(f.store, spot.NewRegistry(
		[4]spot.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		[4]spot.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		[4]spot.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
		[4]spot.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
	), Options{Now: f.clock.Now})
	require.NoError(t, restarted.Restore(ctx))

	r, ok := restarted.Get(3)
	require.True(t, ok)
	assert.Equal(t, "alice", r.Username)
	assert.True(t, decimal.NewFromInt(4).Equal(r.Cost))

	// The refund uses the cost stored with the reservation.
	assert.Len(t, restarted.ExpireDue(ctx, t0.Add(time.Hour)), 1)
	assertBalance(t, f, "alice", "10")
}

func TestLedger_WithSQLiteStore(t *testing.T) {
	gormDB, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	s := store.NewGormStore(gormDB)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, "alice", "pw", decimal.RequireFromString("5.00")))

	clock := &fakeClock{now: t0}
	l := New(s, spot.NewRegistry(
		[4]spot.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}},
		[4]spot.Point{{X: 20, Y: 0}, {X: 30, Y: 0}, {X: 30, Y: 10}, {X: 20, Y: 10}},
	), Options{Cost: decimal.NewFromInt(5), Now: clock.Now})

	_, err = l.Reserve(ctx, "alice", 0, time.Minute, decimal.Zero)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "alice", 1, time.Minute, decimal.Zero)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	acct, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero(), "balance was %s", acct.Balance)
	assert.Equal(t, []int{0}, acct.Reservations)

	assert.Len(t, l.ExpireDue(ctx, t0.Add(time.Minute)), 1)
	acct, err = s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(acct.Balance), "balance was %s", acct.Balance)
	assert.Empty(t, acct.Reservations)
}
