package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/zstdutil"
)

// Config holds all configuration for the server
type Config struct {
	// Server configuration
	Port int `envconfig:"PORT" default:"10001"`

	// Absolute or relative path to the ffmpeg binary. If empty the code falls back to "ffmpeg" on $PATH.
	PathToFFmpeg string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`

	// Camera configuration, used as the default capture stream
	CameraDriver      string `envconfig:"CAMERA_DRIVER" default:"v4l2"`
	CameraDevice      string `envconfig:"CAMERA_DEVICE" default:"/dev/video0"`
	CameraFrameRate   int    `envconfig:"CAMERA_FRAME_RATE" default:"30"`
	CameraVideoSize   string `envconfig:"CAMERA_VIDEO_SIZE"`
	CameraAudioDevice string `envconfig:"CAMERA_AUDIO_DEVICE"`
	// Follow the camera device node and bind or unbind as it comes and goes.
	// When false the camera is bound once at startup.
	WatchCamera bool `envconfig:"CAMERA_WATCH" default:"true"`

	// Optional YAML file replacing the default recording format priority list.
	FormatsFile string `envconfig:"FORMATS_FILE"`

	ExportZstdLevel string `envconfig:"EXPORT_ZSTD_LEVEL" default:"fastest"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Stream is the capture stream described by the camera settings.
func (c *Config) Stream() capture.Stream {
	return capture.Stream{
		Driver:      capture.Driver(c.CameraDriver),
		Device:      c.CameraDevice,
		FrameRate:   c.CameraFrameRate,
		VideoSize:   c.CameraVideoSize,
		AudioDevice: c.CameraAudioDevice,
	}
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.PathToFFmpeg == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if err := config.Stream().Validate(); err != nil {
		return fmt.Errorf("CAMERA_* settings: %w", err)
	}
	if !zstdutil.CompressionLevel(config.ExportZstdLevel).Valid() {
		return fmt.Errorf("EXPORT_ZSTD_LEVEL must be one of fastest, default, better, best")
	}

	return nil
}
