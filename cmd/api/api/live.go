package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/onkernel/camrec/lib/logger"
	"github.com/onkernel/camrec/lib/session"
)

// HandleRecordingLive streams the active recording over a websocket for
// preview. The first message is the MIME type as text. Every chunk recorded
// so far follows as a binary message, then each new chunk as it arrives. The
// socket closes normally once the recording stops.
// (GET /recording/live)
func (s *ApiService) HandleRecordingLive(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	snap := s.controller.Snapshot()
	if snap.State != session.StateRecording || snap.Format == nil {
		writeError(w, http.StatusConflict, "no recording in progress")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Error("failed to accept websocket for live recording", "err", err, "session_id", snap.SessionID)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.controller.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	if err := writeMessage(ctx, conn, websocket.MessageText, []byte(snap.Format.MimeType)); err != nil {
		return
	}

	sent := 0
	// forward sends chunks not yet sent and reports whether the session is still the latest
	forward := func() (bool, error) {
		chunks, ok := s.controller.ChunksSince(snap.SessionID, sent)
		if !ok {
			return false, nil
		}
		for _, c := range chunks {
			if err := writeMessage(ctx, conn, websocket.MessageBinary, c); err != nil {
				return false, err
			}
			sent++
		}
		return true, nil
	}

	if _, err := forward(); err != nil {
		return
	}
	// the recording may have stopped before the subscription was registered
	if cur := s.controller.Snapshot(); cur.SessionID != snap.SessionID || cur.State != session.StateRecording {
		_, _ = forward()
		_ = conn.Close(websocket.StatusNormalClosure, "recording stopped")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			current, err := forward()
			if err != nil {
				log.Info("live recording client went away", "err", err, "session_id", snap.SessionID)
				return
			}
			if !current || ev.SessionID != snap.SessionID || ev.State != session.StateRecording {
				_ = conn.Close(websocket.StatusNormalClosure, "recording stopped")
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}
