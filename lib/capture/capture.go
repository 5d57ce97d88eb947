// Package capture describes the live camera stream a recording session reads
// from. The stream is owned by whoever binds it (a device watcher or an
// operator call); recording sessions only observe it.
package capture

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Driver names the ffmpeg input device used to read the camera.
type Driver string

const (
	DriverV4L2         Driver = "v4l2"
	DriverAVFoundation Driver = "avfoundation"
	// DriverLavfi reads a synthetic source such as testsrc2. Useful without a camera.
	DriverLavfi Driver = "lavfi"
)

var ErrInvalidStream = errors.New("invalid capture stream")

var videoSizeRe = regexp.MustCompile(`^[0-9]+x[0-9]+$`)

// Stream is a handle on a live camera stream.
type Stream struct {
	Driver    Driver `json:"driver"`
	Device    string `json:"device"`
	FrameRate int    `json:"frameRate"`
	// VideoSize is an optional WxH capture size, e.g. "1280x720".
	VideoSize string `json:"videoSize,omitempty"`
	// AudioDevice is an optional PulseAudio source (v4l2), avfoundation audio
	// index or lavfi audio source.
	AudioDevice string `json:"audioDevice,omitempty"`
}

func (s Stream) Validate() error {
	switch s.Driver {
	case DriverV4L2, DriverAVFoundation, DriverLavfi:
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidStream, s.Driver)
	}
	if s.Device == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidStream)
	}
	if s.FrameRate <= 0 || s.FrameRate > 240 {
		return fmt.Errorf("%w: frame rate must be between 1 and 240", ErrInvalidStream)
	}
	if s.VideoSize != "" && !videoSizeRe.MatchString(s.VideoSize) {
		return fmt.Errorf("%w: video size must look like 1280x720", ErrInvalidStream)
	}
	return nil
}

func (s Stream) HasAudio() bool {
	return s.AudioDevice != ""
}

// InputArgs returns the ffmpeg input options that open the stream. Order matters.
func (s Stream) InputArgs() ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	var args []string
	switch s.Driver {
	case DriverV4L2:
		args = []string{"-f", "v4l2", "-framerate", strconv.Itoa(s.FrameRate)}
		if s.VideoSize != "" {
			args = append(args, "-video_size", s.VideoSize)
		}
		args = append(args, "-i", s.Device)
		if s.HasAudio() {
			args = append(args, "-f", "pulse", "-i", s.AudioDevice)
		}
	case DriverAVFoundation:
		args = []string{
			"-f", "avfoundation",
			"-framerate", strconv.Itoa(s.FrameRate),
			"-pixel_format", "nv12",
		}
		if s.VideoSize != "" {
			args = append(args, "-video_size", s.VideoSize)
		}
		audio := "none"
		if s.HasAudio() {
			audio = s.AudioDevice
		}
		// avfoundation takes video and audio in a single input
		args = append(args, "-i", fmt.Sprintf("%s:%s", s.Device, audio))
	case DriverLavfi:
		src := fmt.Sprintf("%s=rate=%d", s.Device, s.FrameRate)
		if s.VideoSize != "" {
			src += ":size=" + s.VideoSize
		}
		args = []string{"-re", "-f", "lavfi", "-i", src}
		if s.HasAudio() {
			args = append(args, "-f", "lavfi", "-i", s.AudioDevice)
		}
	}
	return args, nil
}
