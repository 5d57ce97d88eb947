package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/onkernel/camrec/lib/logger"
	"github.com/onkernel/camrec/lib/session"
)

const eventWriteTimeout = 5 * time.Second

// HandleRecordingEvents pushes a snapshot over a websocket on every
// controller change, starting with the current one. Client messages are
// ignored.
// (GET /recording/events)
func (s *ApiService) HandleRecordingEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Error("failed to accept websocket for recording events", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.controller.Subscribe()
	defer cancel()

	// CloseRead discards client messages and cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	if err := writeEvent(ctx, conn, s.controller.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, snap); err != nil {
				log.Info("recording events client went away", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}
