// Package zstdutil compresses recording exports with zstd, either as a plain
// stream or as a tar.zst bundle.
package zstdutil

import (
	"archive/tar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CompressionLevel represents the zstd compression level.
type CompressionLevel string

const (
	LevelFastest CompressionLevel = "fastest"
	LevelDefault CompressionLevel = "default"
	LevelBetter  CompressionLevel = "better"
	LevelBest    CompressionLevel = "best"
)

func (l CompressionLevel) Valid() bool {
	switch l {
	case LevelFastest, LevelDefault, LevelBetter, LevelBest:
		return true
	}
	return false
}

// ToZstdLevel converts a CompressionLevel to a zstd.EncoderLevel.
func (l CompressionLevel) ToZstdLevel() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBetter:
		return zstd.SpeedBetterCompression
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func newWriter(w io.Writer, level CompressionLevel) (*zstd.Encoder, error) {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(level.ToZstdLevel()),
		zstd.WithEncoderConcurrency(1), // Synchronous for predictable streaming
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return zw, nil
}

// CopyZstd compresses everything read from r into w and returns the number of
// uncompressed bytes copied.
func CopyZstd(w io.Writer, r io.Reader, level CompressionLevel) (int64, error) {
	zw, err := newWriter(w, level)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(zw, r)
	if err != nil {
		zw.Close()
		return n, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("close zstd writer: %w", err)
	}
	return n, nil
}

// Entry is one regular file in a tar.zst bundle.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Body    io.Reader
}

// TarZstd writes the entries as a tar.zst archive. It streams and does not
// buffer the archive in memory.
func TarZstd(w io.Writer, entries []Entry, level CompressionLevel) error {
	zw, err := newWriter(w, level)
	if err != nil {
		return err
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, e := range entries {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.Name,
			Size:     e.Size,
			Mode:     0o644,
			ModTime:  e.ModTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", e.Name, err)
		}
		n, err := io.Copy(tw, e.Body)
		if err != nil {
			return fmt.Errorf("copy %s: %w", e.Name, err)
		}
		if n != e.Size {
			return fmt.Errorf("copy %s: wrote %d of %d bytes", e.Name, n, e.Size)
		}
	}

	// Close tar writer first to flush tar footer
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}

	// Close zstd writer to flush compression
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}

	return nil
}

// AcceptsZstd reports whether the request headers allow a zstd encoded response.
func AcceptsZstd(h http.Header) bool {
	for _, v := range h.Values("Accept-Encoding") {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if !strings.EqualFold(strings.TrimSpace(name), "zstd") {
				continue
			}
			if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok && strings.TrimSpace(q) == "0" {
				return false
			}
			return true
		}
	}
	return false
}
