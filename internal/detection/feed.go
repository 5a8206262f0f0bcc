package detection

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var ErrFeedClosed = errors.New("detection feed closed")

// Feed is a Source fed by an external detector. Only the most recent
// published frame is kept; older unread frames are replaced.
type Feed struct {
	mu      sync.Mutex
	latest  *Frame
	nextSeq int
	closed  bool
	now     func() time.Time
}

func NewFeed() *Feed {
	return &Feed{now: time.Now}
}

// Publish makes f the next frame returned by Next. A zero Seq is replaced by
// a running counter and a zero CapturedAt by the current time.
func (f *Feed) Publish(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrFeedClosed
	}
	if frame.Seq == 0 {
		f.nextSeq++
		frame.Seq = f.nextSeq
	} else if frame.Seq > f.nextSeq {
		f.nextSeq = frame.Seq
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = f.now()
	}
	f.latest = &frame
	return nil
}

// Next returns the latest unread frame or ErrNoFrame.
func (f *Feed) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.latest == nil {
		if f.closed {
			return Frame{}, io.EOF
		}
		return Frame{}, ErrNoFrame
	}
	frame := *f.latest
	f.latest = nil
	return frame, nil
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
