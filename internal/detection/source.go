// Package detection supplies per-frame detection boxes to the reconciliation
// loop. Running the detector itself happens outside this process.
package detection

import (
	"context"
	"errors"
	"time"

	"findmyspot-backend/internal/occupancy"
)

// ErrNoFrame is returned by Next when no new frame is ready yet.
var ErrNoFrame = errors.New("no new frame")

// Frame is the set of boxes a detector reported for one video frame.
type Frame struct {
	Seq        int                      `json:"frame"`
	Boxes      []occupancy.DetectionBox `json:"boxes"`
	CapturedAt time.Time                `json:"captured_at"`
}

// Source produces detection frames. Next returns io.EOF once the stream is
// exhausted and ErrNoFrame when it is merely idle.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Rewinder is implemented by sources that can restart from the first frame.
type Rewinder interface {
	Rewind() error
}
