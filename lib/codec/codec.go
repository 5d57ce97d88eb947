// Package codec picks the recording format for a session from a priority list.
package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/camrec/lib/capture"
)

// ErrNoSupportedFormat means every candidate format was rejected by the
// capability query. Retrying with the same list cannot succeed.
var ErrNoSupportedFormat = errors.New("no suitable mimetype found for this device")

// Format is one recording encoding the encoder may be asked to produce.
type Format struct {
	MimeType     string `json:"mimeType"`
	Muxer        string `json:"muxer"`
	VideoEncoder string `json:"videoEncoder"`
	// AudioEncoder is used only when the capture stream carries audio.
	AudioEncoder string `json:"audioEncoder,omitempty"`
	// VideoBitsPerSecond caps the video bitrate. Zero leaves it to the encoder.
	VideoBitsPerSecond int `json:"videoBitsPerSecond,omitempty"`
}

func (f Format) Validate() error {
	if f.MimeType == "" {
		return fmt.Errorf("mime type is required")
	}
	if f.Muxer == "" {
		return fmt.Errorf("muxer is required for %q", f.MimeType)
	}
	if f.VideoEncoder == "" {
		return fmt.Errorf("video encoder is required for %q", f.MimeType)
	}
	if f.VideoBitsPerSecond < 0 {
		return fmt.Errorf("video bitrate must not be negative for %q", f.MimeType)
	}
	return nil
}

// forStream drops the audio encoder when the stream has no audio to encode.
func (f Format) forStream(s capture.Stream) Format {
	if !s.HasAudio() {
		f.AudioEncoder = ""
	}
	return f
}

// DefaultFormats is the priority list used when no override is configured:
// VP9 in WebM, then WebM with its default codec, then MP4 capped at 100kbps.
func DefaultFormats() []Format {
	return []Format{
		{MimeType: "video/webm; codecs=vp9", Muxer: "webm", VideoEncoder: "libvpx-vp9", AudioEncoder: "libopus"},
		{MimeType: "video/webm", Muxer: "webm", VideoEncoder: "libvpx", AudioEncoder: "libopus"},
		{MimeType: "video/mp4", Muxer: "mp4", VideoEncoder: "libx264", AudioEncoder: "aac", VideoBitsPerSecond: 100000},
	}
}

// Capabilities answers whether the encoder can produce a format.
type Capabilities interface {
	IsTypeSupported(ctx context.Context, f Format) bool
}

// CapabilitiesFunc adapts an ordinary function to Capabilities.
type CapabilitiesFunc func(ctx context.Context, f Format) bool

func (fn CapabilitiesFunc) IsTypeSupported(ctx context.Context, f Format) bool {
	return fn(ctx, f)
}

// Negotiate returns the first candidate the capability query accepts for the
// given stream.
func Negotiate(ctx context.Context, caps Capabilities, stream capture.Stream, candidates []Format) (Format, error) {
	for _, c := range candidates {
		f := c.forStream(stream)
		if caps.IsTypeSupported(ctx, f) {
			return f, nil
		}
	}
	return Format{}, ErrNoSupportedFormat
}
