package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/codec"
	"github.com/onkernel/camrec/lib/session"
	"github.com/onkernel/camrec/lib/zstdutil"
)

type ApiService struct {
	controller *session.Controller
	binding    *capture.Binding

	// defaultStream fills in whatever a PUT /stream request leaves out.
	defaultStream capture.Stream
	formats       []codec.Format
	zstdLevel     zstdutil.CompressionLevel
}

func New(controller *session.Controller, binding *capture.Binding, defaultStream capture.Stream, formats []codec.Format, zstdLevel zstdutil.CompressionLevel) (*ApiService, error) {
	switch {
	case controller == nil:
		return nil, fmt.Errorf("controller cannot be nil")
	case binding == nil:
		return nil, fmt.Errorf("binding cannot be nil")
	case !zstdLevel.Valid():
		return nil, fmt.Errorf("invalid zstd level %q", zstdLevel)
	}
	return &ApiService{
		controller:    controller,
		binding:       binding,
		defaultStream: defaultStream,
		formats:       formats,
		zstdLevel:     zstdLevel,
	}, nil
}

// Routes registers every endpoint on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Route("/recording", func(r chi.Router) {
		r.Get("/", s.GetRecording)
		r.Post("/start", s.StartRecording)
		r.Post("/stop", s.StopRecording)
		r.Get("/download", s.DownloadRecording)
		r.Get("/archive", s.ArchiveRecording)
		r.Get("/events", s.HandleRecordingEvents)
		r.Get("/live", s.HandleRecordingLive)
		r.Get("/formats", s.GetFormats)
	})
	r.Route("/stream", func(r chi.Router) {
		r.Get("/", s.GetStream)
		r.Put("/", s.BindStream)
		r.Delete("/", s.UnbindStream)
	})
}

// Shutdown stops any active recording and disconnects event subscribers.
func (s *ApiService) Shutdown(ctx context.Context) error {
	return s.controller.Close(ctx)
}

type errorResponse struct {
	Message string `json:"message"`
}

// writeJSON writes v as a JSON response with the given status code.
// Unlike http.Error, this sets the correct Content-Type for JSON.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}
