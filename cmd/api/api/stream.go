package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/samber/lo"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/logger"
)

// streamRequest overrides fields of the configured default stream. Omitted
// fields keep their defaults.
type streamRequest struct {
	Driver      *string `json:"driver,omitempty"`
	Device      *string `json:"device,omitempty"`
	FrameRate   *int    `json:"frameRate,omitempty"`
	VideoSize   *string `json:"videoSize,omitempty"`
	AudioDevice *string `json:"audioDevice,omitempty"`
}

func (req streamRequest) merge(defaults capture.Stream) capture.Stream {
	return capture.Stream{
		Driver:      capture.Driver(lo.FromPtrOr(req.Driver, string(defaults.Driver))),
		Device:      lo.FromPtrOr(req.Device, defaults.Device),
		FrameRate:   lo.FromPtrOr(req.FrameRate, defaults.FrameRate),
		VideoSize:   lo.FromPtrOr(req.VideoSize, defaults.VideoSize),
		AudioDevice: lo.FromPtrOr(req.AudioDevice, defaults.AudioDevice),
	}
}

type streamResponse struct {
	Bound  bool            `json:"bound"`
	Stream *capture.Stream `json:"stream,omitempty"`
}

func (s *ApiService) streamResponse() streamResponse {
	st, ok := s.binding.Stream()
	if !ok {
		return streamResponse{}
	}
	return streamResponse{Bound: true, Stream: &st}
}

// (GET /stream)
func (s *ApiService) GetStream(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streamResponse())
}

// BindStream makes a camera stream available to the recorder. An active
// recording keeps the stream it started with.
// (PUT /stream)
func (s *ApiService) BindStream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req streamRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	st := req.merge(s.defaultStream)
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.binding.Bind(st)
	log.Info("capture stream bound", "driver", st.Driver, "device", st.Device)
	writeJSON(w, http.StatusOK, s.streamResponse())
}

// (DELETE /stream)
func (s *ApiService) UnbindStream(w http.ResponseWriter, r *http.Request) {
	s.binding.Unbind()
	logger.FromContext(r.Context()).Info("capture stream unbound")
	writeJSON(w, http.StatusOK, s.streamResponse())
}
