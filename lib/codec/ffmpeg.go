package codec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/onkernel/camrec/lib/logger"
)

// FFmpegCapabilities answers capability queries from the encoder and muxer
// tables of an ffmpeg binary. The tables are read once and cached; a failed
// probe is not cached so it can be retried.
type FFmpegCapabilities struct {
	binaryPath string

	mu       sync.Mutex
	loaded   bool
	encoders []string
	muxers   []string
}

var _ Capabilities = (*FFmpegCapabilities)(nil)

func NewFFmpegCapabilities(pathToFFmpeg string) *FFmpegCapabilities {
	if pathToFFmpeg == "" {
		pathToFFmpeg = "ffmpeg"
	}
	return &FFmpegCapabilities{binaryPath: pathToFFmpeg}
}

// Probe loads the encoder and muxer tables if they have not been loaded yet.
func (c *FFmpegCapabilities) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	encOut, err := c.run(ctx, "-encoders")
	if err != nil {
		return err
	}
	muxOut, err := c.run(ctx, "-muxers")
	if err != nil {
		return err
	}

	c.encoders = parseTable(encOut)
	c.muxers = parseTable(muxOut)
	c.loaded = true
	logger.FromContext(ctx).Info("ffmpeg capabilities loaded", "encoders", len(c.encoders), "muxers", len(c.muxers))
	return nil
}

func (c *FFmpegCapabilities) IsTypeSupported(ctx context.Context, f Format) bool {
	if err := c.Probe(ctx); err != nil {
		logger.FromContext(ctx).Error("failed to probe ffmpeg capabilities", "err", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !lo.Contains(c.muxers, f.Muxer) || !lo.Contains(c.encoders, f.VideoEncoder) {
		return false
	}
	return f.AudioEncoder == "" || lo.Contains(c.encoders, f.AudioEncoder)
}

func (c *FFmpegCapabilities) run(ctx context.Context, table string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binaryPath, "-hide_banner", table)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg %s failed: %w: %s", table, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// parseTable extracts entry names from `ffmpeg -encoders` / `ffmpeg -muxers`
// output. Both tables have a legend, a line of dashes, then one
// "<flags> <name> <description>" row per entry. Muxer rows may list several
// comma separated names.
func parseTable(out []byte) []string {
	var names []string
	inBody := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !inBody {
			inBody = strings.HasPrefix(line, "--")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		names = append(names, strings.Split(fields[1], ",")...)
	}
	return lo.Uniq(names)
}
