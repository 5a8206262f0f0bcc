package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"findmyspot-backend/internal/model"
	"findmyspot-backend/internal/notification"
	"findmyspot-backend/internal/spot"
	"findmyspot-backend/internal/store"
)

const (
	opReserve   = "reserve"
	opUnreserve = "unreserve"
	opExpire    = "expire"
)

// Options configures a Ledger. Zero values fall back to the defaults below.
type Options struct {
	Hold           time.Duration // default 1h
	MaxHold        time.Duration // default Hold
	Cost           decimal.Decimal
	PersistTimeout time.Duration // default 5s
	Sink           notification.Sink
	Now            func() time.Time
}

// Expired identifies a reservation released by ExpireDue.
type Expired struct {
	SpotID   int
	Username string
}

// Ledger is the single owner of reservation state. All mutations are
// serialized by one mutex, held across the bounded persistence calls so that
// the first mutation on a spot wins and the second observes the result.
type Ledger struct {
	mu     sync.Mutex
	active map[int]model.Reservation

	gw      store.Gateway
	spots   *spot.Registry
	sink    notification.Sink
	now     func() time.Time
	hold    time.Duration
	maxHold time.Duration
	cost    decimal.Decimal
	timeout time.Duration
}

// New creates an empty ledger. Call Restore to load reservations that
// survived a restart.
func New(gw store.Gateway, spots *spot.Registry, opts Options) *Ledger {
	l := &Ledger{
		active:  make(map[int]model.Reservation),
		gw:      gw,
		spots:   spots,
		sink:    opts.Sink,
		now:     opts.Now,
		hold:    opts.Hold,
		maxHold: opts.MaxHold,
		cost:    opts.Cost,
		timeout: opts.PersistTimeout,
	}
	if l.sink == nil {
		l.sink = notification.Discard
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.hold <= 0 {
		l.hold = time.Hour
	}
	if l.maxHold < l.hold {
		l.maxHold = l.hold
	}
	if l.timeout <= 0 {
		l.timeout = 5 * time.Second
	}
	return l
}

// CostPlaces is the number of decimal places stored for costs and balances.
const CostPlaces = 2

// DefaultCost returns the charge applied when Reserve is called with a zero cost.
func (l *Ledger) DefaultCost() decimal.Decimal { return l.cost }

// Reserve holds spotID for username, charging cost. A zero hold or cost uses
// the configured default. Balance check, debit and reservation insert happen
// in one gateway transaction.
func (l *Ledger) Reserve(ctx context.Context, username string, spotID int, hold time.Duration, cost decimal.Decimal) (model.Reservation, error) {
	r, err := l.reserve(ctx, username, spotID, hold, cost)
	if err != nil {
		l.notifyRejection(spotID, username, err)
		return model.Reservation{}, err
	}
	l.emit(notification.KindReserved, r.SpotID, r.Username,
		fmt.Sprintf("Spot %d reserved until %s", r.SpotID, r.ExpiresAt.Format(time.Kitchen)))
	return r, nil
}

func (l *Ledger) reserve(ctx context.Context, username string, spotID int, hold time.Duration, cost decimal.Decimal) (model.Reservation, error) {
	fail := func(kind ErrorKind, err error) error {
		return &Error{Kind: kind, Op: opReserve, SpotID: spotID, Username: username, Err: err}
	}

	if !l.spots.Has(spotID) {
		return model.Reservation{}, fail(KindValidation, ErrInvalidSpot)
	}
	if username == "" {
		return model.Reservation{}, fail(KindValidation, ErrUnknownUser)
	}
	if hold == 0 {
		hold = l.hold
	}
	if hold < 0 || hold > l.maxHold {
		return model.Reservation{}, fail(KindValidation, fmt.Errorf("%w: %s (max %s)", ErrInvalidHold, hold, l.maxHold))
	}
	if cost.IsZero() {
		cost = l.cost
	}
	if cost.IsNegative() || !cost.Equal(cost.Round(CostPlaces)) {
		return model.Reservation{}, fail(KindValidation, fmt.Errorf("%w: %s", ErrInvalidCost, cost))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.active[spotID]; taken {
		return model.Reservation{}, fail(KindConflict, ErrAlreadyReserved)
	}

	now := l.now()
	r := model.Reservation{
		SpotID:     spotID,
		ID:         uuid.NewString(),
		Username:   username,
		Cost:       cost,
		ReservedAt: now,
		ExpiresAt:  now.Add(hold),
	}

	err := l.persist(ctx, func(ctx context.Context, tx store.Gateway) error {
		acct, err := tx.GetUser(ctx, username)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(cost) {
			return store.ErrInsufficientBalance
		}
		if err := tx.AdjustBalance(ctx, username, cost.Neg()); err != nil {
			return err
		}
		return tx.CreateReservation(ctx, r)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrUserNotFound):
		return model.Reservation{}, fail(KindValidation, ErrUnknownUser)
	case errors.Is(err, store.ErrInsufficientBalance):
		return model.Reservation{}, fail(KindInsufficientFunds, ErrInsufficientFunds)
	case errors.Is(err, store.ErrSpotTaken):
		return model.Reservation{}, fail(KindConflict, ErrAlreadyReserved)
	default:
		return model.Reservation{}, fail(KindPersistence, fmt.Errorf("%w: %w", ErrPersistence, err))
	}

	l.active[spotID] = r
	return r, nil
}

// Unreserve releases spotID if username holds it and refunds the stored cost.
func (l *Ledger) Unreserve(ctx context.Context, username string, spotID int) (model.Reservation, error) {
	r, err := l.unreserve(ctx, username, spotID)
	if err != nil {
		l.notifyRejection(spotID, username, err)
		return model.Reservation{}, err
	}
	l.emit(notification.KindUnreserved, r.SpotID, r.Username,
		fmt.Sprintf("Spot %d released, %s refunded", r.SpotID, r.Cost.StringFixed(2)))
	return r, nil
}

func (l *Ledger) unreserve(ctx context.Context, username string, spotID int) (model.Reservation, error) {
	fail := func(kind ErrorKind, err error) error {
		return &Error{Kind: kind, Op: opUnreserve, SpotID: spotID, Username: username, Err: err}
	}

	if !l.spots.Has(spotID) {
		return model.Reservation{}, fail(KindValidation, ErrInvalidSpot)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.active[spotID]
	if !ok || r.Username != username {
		return model.Reservation{}, fail(KindConflict, ErrNotReservedByUser)
	}

	switch err := l.release(ctx, r, model.ReasonUnreserved); {
	case err == nil:
	case errors.Is(err, store.ErrReservationNotFound):
		return model.Reservation{}, fail(KindConflict, ErrNotReservedByUser)
	default:
		return model.Reservation{}, fail(KindPersistence, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	return r, nil
}

// ExpireDue releases every reservation whose hold ended at or before now and
// refunds it. A reservation whose release fails stays active and is retried
// on the next call.
func (l *Ledger) ExpireDue(ctx context.Context, now time.Time) []Expired {
	l.mu.Lock()
	var due []model.Reservation
	for _, r := range l.active {
		if !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SpotID < due[j].SpotID })

	var expired []Expired
	for _, r := range due {
		err := l.release(ctx, r, model.ReasonExpired)
		if err != nil && !errors.Is(err, store.ErrReservationNotFound) {
			log.Printf("Failed to expire reservation on spot %d: %v", r.SpotID, err)
			continue
		}
		if err != nil {
			log.Printf("Reservation on spot %d already gone from store, dropping", r.SpotID)
			continue
		}
		expired = append(expired, Expired{SpotID: r.SpotID, Username: r.Username})
	}
	l.mu.Unlock()

	for _, e := range expired {
		l.emit(notification.KindExpired, e.SpotID, e.Username,
			fmt.Sprintf("Reservation on spot %d expired", e.SpotID))
	}
	return expired
}

// release deletes r, refunds its cost and archives it in one transaction.
// The in-memory entry is dropped on success and when the store no longer
// has the reservation. Callers hold l.mu.
func (l *Ledger) release(ctx context.Context, r model.Reservation, reason string) error {
	releasedAt := l.now()
	err := l.persist(ctx, func(ctx context.Context, tx store.Gateway) error {
		if err := tx.DeleteReservation(ctx, r.SpotID); err != nil {
			return err
		}
		if err := tx.AdjustBalance(ctx, r.Username, r.Cost); err != nil {
			return err
		}
		return tx.ArchiveReservation(ctx, r, releasedAt, reason)
	})
	if err == nil || errors.Is(err, store.ErrReservationNotFound) {
		delete(l.active, r.SpotID)
	}
	return err
}

func (l *Ledger) persist(ctx context.Context, fn func(ctx context.Context, tx store.Gateway) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.gw.Transaction(ctx, func(tx store.Gateway) error {
		return fn(ctx, tx)
	})
}

// RemainingTime returns how long the reservation on spotID has left, or 0.
func (l *Ledger) RemainingTime(spotID int, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.active[spotID]
	if !ok {
		return 0
	}
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// GetUserReservations returns the spots held by username in ascending order.
func (l *Ledger) GetUserReservations(username string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := []int{}
	for id, r := range l.active {
		if r.Username == username {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Get returns the active reservation on spotID.
func (l *Ledger) Get(spotID int) (model.Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.active[spotID]
	return r, ok
}

// Snapshot returns a copy of every active reservation keyed by spot.
func (l *Ledger) Snapshot() map[int]model.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]model.Reservation, len(l.active))
	for id, r := range l.active {
		out[id] = r
	}
	return out
}

// Restore replaces the in-memory table with the active reservations held by
// the store.
func (l *Ledger) Restore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	rs, err := l.gw.ListActiveReservations(ctx)
	if err != nil {
		return &Error{Kind: KindPersistence, Op: "restore", SpotID: -1, Err: fmt.Errorf("%w: %w", ErrPersistence, err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.active = make(map[int]model.Reservation, len(rs))
	for _, r := range rs {
		if !l.spots.Has(r.SpotID) {
			log.Printf("Warning: restored reservation %s references unknown spot %d", r.ID, r.SpotID)
		}
		l.active[r.SpotID] = r
	}
	log.Printf("Restored %d active reservations", len(rs))
	return nil
}

func (l *Ledger) emit(kind notification.Kind, spotID int, username, message string) {
	l.sink.Notify(notification.Event{
		Kind:      kind,
		SpotID:    spotID,
		Username:  username,
		Message:   message,
		Timestamp: l.now(),
	})
}

// notifyRejection emits a fixed, user-facing message per error class. Error
// text is never forwarded: events reach every stream client.
func (l *Ledger) notifyRejection(spotID int, username string, err error) {
	kind := notification.KindRejected
	msg := fmt.Sprintf("Request for spot %d was rejected", spotID)
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		kind = notification.KindInsufficientBalance
		msg = "Insufficient balance to reserve this spot"
	case errors.Is(err, ErrAlreadyReserved):
		msg = fmt.Sprintf("Spot %d is already reserved", spotID)
	case errors.Is(err, ErrNotReservedByUser):
		msg = fmt.Sprintf("Spot %d is not reserved by you", spotID)
	case errors.Is(err, ErrInvalidSpot):
		msg = fmt.Sprintf("Spot %d does not exist", spotID)
	case errors.Is(err, ErrUnknownUser):
		msg = "Unknown user"
	case errors.Is(err, ErrInvalidHold):
		msg = "Requested hold duration is not allowed"
	case errors.Is(err, ErrInvalidCost):
		msg = "Invalid reservation cost"
	case KindOf(err) == KindPersistence:
		msg = fmt.Sprintf("Spot %d could not be updated right now, try again", spotID)
	}
	l.emit(kind, spotID, username, msg)
}
