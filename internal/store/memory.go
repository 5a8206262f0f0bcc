package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"findmyspot-backend/internal/model"
)

type memData struct {
	users         map[string]model.User
	reservations  map[int]model.Reservation
	history       []model.ReservationHistory
	subscriptions map[string]model.PushSubscription
	nextHistoryID int64
}

func (d *memData) clone() *memData {
	c := &memData{
		users:         make(map[string]model.User, len(d.users)),
		reservations:  make(map[int]model.Reservation, len(d.reservations)),
		history:       append([]model.ReservationHistory(nil), d.history...),
		subscriptions: make(map[string]model.PushSubscription, len(d.subscriptions)),
		nextHistoryID: d.nextHistoryID,
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.reservations {
		c.reservations[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	return c
}

// memoryStore keeps everything in process memory. Transactions work on a
// copy of the data that replaces the original only when fn succeeds.
type memoryStore struct {
	mu   *sync.Mutex // nil for the view handed to a transaction
	data *memData
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		mu: &sync.Mutex{},
		data: &memData{
			users:         make(map[string]model.User),
			reservations:  make(map[int]model.Reservation),
			subscriptions: make(map[string]model.PushSubscription),
		},
	}
}

func (s *memoryStore) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mu == nil {
		return func() {}, nil
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

func (s *memoryStore) DB() *gorm.DB {
	return nil
}

func (s *memoryStore) Transaction(ctx context.Context, fn func(tx Gateway) error) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if s.mu == nil {
		return fn(s)
	}
	view := &memoryStore{data: s.data.clone()}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = view.data
	return nil
}

func (s *memoryStore) GetUser(ctx context.Context, username string) (Account, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	user, ok := s.data.users[username]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	var spotIDs []int
	for id, r := range s.data.reservations {
		if r.Username == username {
			spotIDs = append(spotIDs, id)
		}
	}
	sort.Ints(spotIDs)
	return Account{Username: username, Balance: user.Balance, Reservations: spotIDs}, nil
}

func (s *memoryStore) CreateReservation(ctx context.Context, r model.Reservation) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := s.data.reservations[r.SpotID]; ok {
		return fmt.Errorf("%w: spot %d", ErrSpotTaken, r.SpotID)
	}
	if _, ok := s.data.users[r.Username]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, r.Username)
	}
	s.data.reservations[r.SpotID] = r
	return nil
}

func (s *memoryStore) DeleteReservation(ctx context.Context, spotID int) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := s.data.reservations[spotID]; !ok {
		return fmt.Errorf("%w: spot %d", ErrReservationNotFound, spotID)
	}
	delete(s.data.reservations, spotID)
	return nil
}

func (s *memoryStore) AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	user, ok := s.data.users[username]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	next := user.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s cannot cover %s", ErrInsufficientBalance, username, delta.Neg())
	}
	user.Balance = next
	user.UpdatedAt = time.Now().UTC()
	s.data.users[username] = user
	return nil
}

func (s *memoryStore) ListActiveReservationSpotIDs(ctx context.Context) (map[int]struct{}, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	set := make(map[int]struct{}, len(s.data.reservations))
	for id := range s.data.reservations {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *memoryStore) ListActiveReservations(ctx context.Context) ([]model.Reservation, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make([]model.Reservation, 0, len(s.data.reservations))
	for _, r := range s.data.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpotID < out[j].SpotID })
	return out, nil
}

func (s *memoryStore) ArchiveReservation(ctx context.Context, r model.Reservation, releasedAt time.Time, reason string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.data.nextHistoryID++
	s.data.history = append(s.data.history, model.ReservationHistory{
		ID:            s.data.nextHistoryID,
		ReservationID: r.ID,
		SpotID:        r.SpotID,
		Username:      r.Username,
		Cost:          r.Cost,
		ReservedAt:    r.ReservedAt,
		ExpiresAt:     r.ExpiresAt,
		ReleasedAt:    releasedAt,
		Reason:        reason,
	})
	return nil
}

func (s *memoryStore) CreateUser(ctx context.Context, username, password string, balance decimal.Decimal) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := s.data.users[username]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	now := time.Now().UTC()
	s.data.users[username] = model.User{
		Username:     username,
		PasswordHash: hash,
		Balance:      balance,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *memoryStore) Authenticate(ctx context.Context, username, password string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	user, ok := s.data.users[username]
	unlock()

	if !ok || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

func (s *memoryStore) TopUp(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.Transaction(ctx, func(tx Gateway) error {
		if err := tx.AdjustBalance(ctx, username, amount); err != nil {
			return err
		}
		acct, err := tx.GetUser(ctx, username)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	return balance, err
}

func (s *memoryStore) ListHistory(ctx context.Context, username string, limit int) ([]model.ReservationHistory, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []model.ReservationHistory
	for i := len(s.data.history) - 1; i >= 0; i-- {
		if s.data.history[i].Username != username {
			continue
		}
		out = append(out, s.data.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if old, ok := s.data.subscriptions[sub.Endpoint]; ok {
		sub.CreatedAt = old.CreatedAt
	} else {
		sub.CreatedAt = time.Now().UTC()
	}
	s.data.subscriptions[sub.Endpoint] = sub
	return nil
}

func (s *memoryStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	delete(s.data.subscriptions, endpoint)
	return nil
}

func (s *memoryStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return model.PushSubscription{}, err
	}
	defer unlock()

	sub, ok := s.data.subscriptions[endpoint]
	if !ok {
		return sub, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *memoryStore) ListSubscriptions(ctx context.Context, username string) ([]model.PushSubscription, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []model.PushSubscription
	for _, sub := range s.data.subscriptions {
		if sub.Username == username {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}
