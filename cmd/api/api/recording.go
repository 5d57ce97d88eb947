package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/onkernel/camrec/lib/logger"
	"github.com/onkernel/camrec/lib/session"
	"github.com/onkernel/camrec/lib/zstdutil"
)

// GetRecording returns the controller snapshot.
// (GET /recording)
func (s *ApiService) GetRecording(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// (POST /recording/start)
func (s *ApiService) StartRecording(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	err := s.controller.Start(r.Context())
	switch {
	case errors.Is(err, session.ErrNoSupportedFormat):
		log.Error("no supported recording format for this device", "err", err)
		writeError(w, http.StatusConflict, "device not supported")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
	case err != nil:
		log.Error("failed to start recording", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start recording")
	default:
		writeJSON(w, http.StatusOK, s.controller.Snapshot())
	}
}

// (POST /recording/stop)
func (s *ApiService) StopRecording(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if err := s.controller.Stop(r.Context()); err != nil {
		log.Error("failed to stop recording cleanly", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to stop recording cleanly")
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// DownloadRecording serves the recorded bytes of the latest session. While
// recording it serves what has been flushed so far, or 202 if nothing has.
// (GET /recording/download)
func (s *ApiService) DownloadRecording(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, snap := s.controller.Recording()
	if snap.Format == nil {
		writeError(w, http.StatusNotFound, "no recording found")
		return
	}
	if snap.Chunks == 0 {
		if snap.State == session.StateRecording {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeError(w, http.StatusNotFound, "recording is empty")
		return
	}

	w.Header().Set("Content-Type", snap.Format.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, recordingFileName(snap)))
	setRecordingHeaders(w.Header(), snap)

	if zstdutil.AcceptsZstd(r.Header) {
		w.Header().Set("Content-Encoding", "zstd")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(http.StatusOK)
		if _, err := zstdutil.CopyZstd(w, body, s.zstdLevel); err != nil {
			log.Error("failed to write compressed recording", "err", err, "session_id", snap.SessionID)
		}
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(snap.Bytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Error("failed to write recording", "err", err, "session_id", snap.SessionID)
	}
}

// ArchiveRecording bundles the recording and its snapshot as a tar.zst file.
// (GET /recording/archive)
func (s *ApiService) ArchiveRecording(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, snap := s.controller.Recording()
	if snap.Format == nil || snap.Chunks == 0 {
		writeError(w, http.StatusNotFound, "no recording found")
		return
	}
	if snap.State == session.StateRecording {
		writeError(w, http.StatusConflict, "recording must be stopped first")
		return
	}

	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Error("failed to marshal session metadata", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to build archive")
		return
	}
	modTime := time.Now()
	if snap.StoppedAt != nil {
		modTime = *snap.StoppedAt
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.tar.zst"`, snap.SessionID))
	setRecordingHeaders(w.Header(), snap)
	w.WriteHeader(http.StatusOK)

	err = zstdutil.TarZstd(w, []zstdutil.Entry{
		{Name: recordingFileName(snap), Size: snap.Bytes, ModTime: modTime, Body: body},
		{Name: "session.json", Size: int64(len(meta)), ModTime: modTime, Body: bytes.NewReader(meta)},
	}, s.zstdLevel)
	if err != nil {
		log.Error("failed to write recording archive", "err", err, "session_id", snap.SessionID)
	}
}

// GetFormats lists the recording formats in negotiation order.
// (GET /recording/formats)
func (s *ApiService) GetFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.formats)
}

func recordingFileName(snap session.Snapshot) string {
	ext := "bin"
	if snap.Format != nil && snap.Format.Muxer != "" {
		ext = snap.Format.Muxer
	}
	return fmt.Sprintf("%s.%s", snap.SessionID, ext)
}

func setRecordingHeaders(h http.Header, snap session.Snapshot) {
	h.Set("X-Recording-Session-Id", snap.SessionID)
	if snap.StartedAt != nil {
		h.Set("X-Recording-Started-At", snap.StartedAt.Format(time.RFC3339))
	}
	if snap.StoppedAt != nil && snap.State == session.StateIdle {
		h.Set("X-Recording-Finished-At", snap.StoppedAt.Format(time.RFC3339))
	}
}
