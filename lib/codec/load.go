package codec

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// LoadFormats reads a priority list from a YAML (or JSON) file. Each entry
// uses the same keys as the Format JSON encoding:
//
//	- mimeType: video/webm; codecs=vp9
//	  muxer: webm
//	  videoEncoder: libvpx-vp9
func LoadFormats(path string) ([]Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read formats file: %w", err)
	}

	var formats []Format
	if err := yaml.Unmarshal(data, &formats); err != nil {
		return nil, fmt.Errorf("failed to parse formats file %s: %w", path, err)
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("formats file %s lists no formats", path)
	}
	for i, f := range formats {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("format %d: %w", i, err)
		}
	}
	return formats, nil
}
