package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/onkernel/camrec/lib/logger"
)

// DeviceWatcher binds a stream while its device node exists and unbinds it
// when the node goes away (camera unplugged, v4l2loopback unloaded).
type DeviceWatcher struct {
	binding *Binding
	stream  Stream
}

func NewDeviceWatcher(b *Binding, s Stream) *DeviceWatcher {
	return &DeviceWatcher{binding: b, stream: s}
}

// Run blocks until ctx is done. Streams whose device is not a filesystem
// path (avfoundation indices) are bound once and left alone.
func (w *DeviceWatcher) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	if w.stream.Driver != DriverV4L2 {
		w.binding.Bind(w.stream)
		log.Info("capture stream bound", "driver", w.stream.Driver, "device", w.stream.Device)
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create device watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.stream.Device)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Check after the watch is registered so a device created in between is not missed.
	w.sync(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.stream.Device) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.sync(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("device watcher error", "err", err)
		}
	}
}

func (w *DeviceWatcher) sync(ctx context.Context) {
	log := logger.FromContext(ctx)

	_, err := os.Stat(w.stream.Device)
	_, bound := w.binding.Stream()
	switch {
	case err == nil && !bound:
		w.binding.Bind(w.stream)
		log.Info("capture device appeared", "device", w.stream.Device)
	case errors.Is(err, os.ErrNotExist) && bound:
		w.binding.Unbind()
		log.Info("capture device removed", "device", w.stream.Device)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		log.Error("failed to stat capture device", "device", w.stream.Device, "err", err)
	}
}
