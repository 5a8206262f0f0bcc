package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"findmyspot-backend/internal/detection"
	"findmyspot-backend/internal/ledger"
	"findmyspot-backend/internal/model"
	"findmyspot-backend/internal/notification"
	"findmyspot-backend/internal/occupancy"
	"findmyspot-backend/internal/spot"
)

// Status is the display-facing state of a spot.
type Status string

const (
	StatusFree     Status = "free"
	StatusOccupied Status = "occupied"
	StatusReserved Status = "reserved"
)

// SpotStatus merges detector occupancy with the reservation on one spot.
type SpotStatus struct {
	SpotID    int        `json:"spot_id"`
	Status    Status     `json:"status"`
	Occupied  bool       `json:"occupied"`
	Username  string     `json:"username,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Remaining float64    `json:"remaining_seconds,omitempty"`
}

// Summary counts spots per status.
type Summary struct {
	Total    int `json:"total"`
	Free     int `json:"free"`
	Occupied int `json:"occupied"`
	Reserved int `json:"reserved"`
}

// Ledger is the part of the reservation ledger the loop drives.
type Ledger interface {
	ExpireDue(ctx context.Context, now time.Time) []ledger.Expired
	Snapshot() map[int]model.Reservation
}

// Observer receives per-pass measurements.
type Observer interface {
	ObserveCycle(d time.Duration, free, occupied, reserved int)
	FrameRead(processed bool)
	SourceError()
}

type Options struct {
	Filter        occupancy.Filter
	Warn          time.Duration // default 3s
	FrameInterval time.Duration // default 60ms
	ExpiryTick    time.Duration // default 1s
	Stride        int           // default 1
	Loop          bool
	Sink          notification.Sink
	Observer      Observer
	Now           func() time.Time
}

// Loop merges detector output with the reservation ledger into the unified
// spot status and fires one-shot expiry warnings.
type Loop struct {
	ledger Ledger
	spots  *spot.Registry
	opts   Options

	mu       sync.Mutex
	occupied map[int]bool
	warned   map[string]struct{} // reservation ids already warned
	statuses []SpotStatus
	frames   int
}

func New(l Ledger, spots *spot.Registry, opts Options) *Loop {
	if opts.Warn <= 0 {
		opts.Warn = 3 * time.Second
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 60 * time.Millisecond
	}
	if opts.ExpiryTick <= 0 {
		opts.ExpiryTick = time.Second
	}
	// A tick must land inside every warning window.
	if opts.ExpiryTick > opts.Warn {
		log.Printf("Warning: expiry tick %s is longer than the warning window %s; using %s", opts.ExpiryTick, opts.Warn, opts.Warn)
		opts.ExpiryTick = opts.Warn
	}
	if opts.Stride <= 0 {
		opts.Stride = 1
	}
	if opts.Sink == nil {
		opts.Sink = notification.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lp := &Loop{
		ledger:   l,
		spots:    spots,
		opts:     opts,
		occupied: make(map[int]bool),
		warned:   make(map[string]struct{}),
	}
	lp.statuses = lp.merge(nil, time.Time{})
	return lp
}

// Cycle matches one frame of boxes against the spots and then runs Tick.
func (lp *Loop) Cycle(ctx context.Context, now time.Time, boxes []occupancy.DetectionBox) []SpotStatus {
	occupied := occupancy.Match(lp.spots.All(), lp.opts.Filter.Apply(boxes))

	lp.mu.Lock()
	lp.occupied = occupied
	lp.mu.Unlock()

	return lp.Tick(ctx, now)
}

// Tick expires due reservations, recomputes the unified status from the last
// known occupancy and emits expiring-soon warnings.
func (lp *Loop) Tick(ctx context.Context, now time.Time) []SpotStatus {
	start := time.Now()

	lp.ledger.ExpireDue(ctx, now)
	reservations := lp.ledger.Snapshot()

	lp.mu.Lock()
	statuses := lp.merge(reservations, now)
	warnings := lp.collectWarnings(reservations, now)
	lp.statuses = statuses
	lp.mu.Unlock()

	for _, r := range warnings {
		left := r.ExpiresAt.Sub(now).Round(time.Second)
		lp.opts.Sink.Notify(notification.Event{
			Kind:      notification.KindExpiringSoon,
			SpotID:    r.SpotID,
			Username:  r.Username,
			Message:   fmt.Sprintf("Reservation on spot %d expires in %s", r.SpotID, left),
			Timestamp: now,
		})
	}

	if lp.opts.Observer != nil {
		s := summarize(statuses)
		lp.opts.Observer.ObserveCycle(time.Since(start), s.Free, s.Occupied, s.Reserved)
	}
	return copyStatuses(statuses)
}

// merge builds the status list. Callers hold lp.mu.
func (lp *Loop) merge(reservations map[int]model.Reservation, now time.Time) []SpotStatus {
	spots := lp.spots.All()
	out := make([]SpotStatus, 0, len(spots))
	for _, s := range spots {
		st := SpotStatus{SpotID: s.ID, Status: StatusFree, Occupied: lp.occupied[s.ID]}
		if st.Occupied {
			st.Status = StatusOccupied
		}
		if r, ok := reservations[s.ID]; ok {
			expires := r.ExpiresAt
			st.Status = StatusReserved
			st.Username = r.Username
			st.ExpiresAt = &expires
			if left := r.ExpiresAt.Sub(now); left > 0 {
				st.Remaining = left.Seconds()
			}
		}
		out = append(out, st)
	}
	return out
}

// collectWarnings marks and returns reservations that just entered the
// warning window, and forgets reservations that are gone. Callers hold lp.mu.
func (lp *Loop) collectWarnings(reservations map[int]model.Reservation, now time.Time) []model.Reservation {
	live := make(map[string]struct{}, len(reservations))
	var due []model.Reservation
	for _, r := range reservations {
		live[r.ID] = struct{}{}
		left := r.ExpiresAt.Sub(now)
		if left <= 0 || left > lp.opts.Warn {
			continue
		}
		if _, done := lp.warned[r.ID]; done {
			continue
		}
		lp.warned[r.ID] = struct{}{}
		due = append(due, r)
	}
	for id := range lp.warned {
		if _, ok := live[id]; !ok {
			delete(lp.warned, id)
		}
	}
	return due
}

// Statuses returns the status computed by the latest pass.
func (lp *Loop) Statuses() []SpotStatus {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return copyStatuses(lp.statuses)
}

// Summary counts the latest statuses.
func (lp *Loop) Summary() Summary {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return summarize(lp.statuses)
}

// Run pulls frames from src on the frame interval and runs Cycle on every
// stride-th frame, while a separate ticker runs Tick for expiry. It returns
// when ctx is cancelled and closes src.
func (lp *Loop) Run(ctx context.Context, src detection.Source) error {
	defer func() {
		if err := src.Close(); err != nil {
			log.Printf("Error closing detection source: %v", err)
		}
	}()

	frameTicker := time.NewTicker(lp.opts.FrameInterval)
	defer frameTicker.Stop()
	expiryTicker := time.NewTicker(lp.opts.ExpiryTick)
	defer expiryTicker.Stop()

	frameC := frameTicker.C
	log.Printf("Reconciliation loop started (frame every %s, stride %d, expiry every %s)",
		lp.opts.FrameInterval, lp.opts.Stride, lp.opts.ExpiryTick)

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciliation loop stopped")
			return nil

		case <-frameC:
			frame, err := src.Next(ctx)
			switch {
			case err == nil:
				lp.onFrame(ctx, frame)
			case errors.Is(err, detection.ErrNoFrame):
			case errors.Is(err, io.EOF):
				if !lp.rewind(src) {
					log.Println("Detection stream ended, continuing with expiry checks only")
					frameTicker.Stop()
					frameC = nil
				}
			case ctx.Err() != nil:
			default:
				log.Printf("Error reading detection frame: %v", err)
				if lp.opts.Observer != nil {
					lp.opts.Observer.SourceError()
				}
			}

		case <-expiryTicker.C:
			lp.Tick(ctx, lp.opts.Now())
		}
	}
}

func (lp *Loop) onFrame(ctx context.Context, frame detection.Frame) {
	lp.mu.Lock()
	lp.frames++
	process := lp.frames%lp.opts.Stride == 0
	lp.mu.Unlock()

	if lp.opts.Observer != nil {
		lp.opts.Observer.FrameRead(process)
	}
	if process {
		lp.Cycle(ctx, lp.opts.Now(), frame.Boxes)
	}
}

func (lp *Loop) rewind(src detection.Source) bool {
	if !lp.opts.Loop {
		return false
	}
	rw, ok := src.(detection.Rewinder)
	if !ok {
		return false
	}
	if err := rw.Rewind(); err != nil {
		log.Printf("Failed to rewind detection source: %v", err)
		return false
	}
	return true
}

func summarize(statuses []SpotStatus) Summary {
	s := Summary{Total: len(statuses)}
	for _, st := range statuses {
		switch st.Status {
		case StatusReserved:
			s.Reserved++
		case StatusOccupied:
			s.Occupied++
		default:
			s.Free++
		}
	}
	return s
}

func copyStatuses(in []SpotStatus) []SpotStatus {
	return append([]SpotStatus(nil), in...)
}
