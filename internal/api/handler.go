package api

import (
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"

	"findmyspot-backend/internal/detection"
	"findmyspot-backend/internal/ledger"
	"findmyspot-backend/internal/notification"
	"findmyspot-backend/internal/reconcile"
	"findmyspot-backend/internal/spot"
	"findmyspot-backend/internal/store"
)

// Deps lists what the handlers need. Feed, Hub and Webpush may be nil.
type Deps struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Loop    *reconcile.Loop
	Spots   *spot.Registry
	Feed    *detection.Feed
	Hub     *notification.Hub
	Webpush *webpush.Options
	Now     func() time.Time
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	ledger   *ledger.Ledger
	loop     *reconcile.Loop
	spots    *spot.Registry
	feed     *detection.Feed
	hub      *notification.Hub
	webpush  *webpush.Options
	now      func() time.Time
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:   d.Store,
		ledger:  d.Ledger,
		loop:    d.Loop,
		spots:   d.Spots,
		feed:    d.Feed,
		hub:     d.Hub,
		webpush: d.Webpush,
		now:     now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}
