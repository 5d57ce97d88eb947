// Package scaletozero keeps the hosting instance awake while camrec has work
// in flight: an active recording session or an HTTP request being served.
package scaletozero

import (
	"context"
	"os"
	"sync"

	"github.com/onkernel/camrec/lib/logger"
)

// Unikraft scale-to-zero control file
// https://unikraft.cloud/docs/api/v1/instances/#scaletozero_app
const unikraftScaleToZeroFile = "/uk/libukp/scale_to_zero_disable"

type Controller interface {
	// Disable turns scale-to-zero off.
	Disable(ctx context.Context) error
	// Enable re-enables scale-to-zero after it has previously been disabled.
	Enable(ctx context.Context) error
}

type unikraftCloudController struct {
	path string
}

// NewUnikraftCloudController writes to the Unikraft control file. When the
// file is absent (local development, tests) every call is a no-op.
func NewUnikraftCloudController() Controller {
	return &unikraftCloudController{path: unikraftScaleToZeroFile}
}

func (c *unikraftCloudController) Disable(ctx context.Context) error {
	return c.write(ctx, "+")
}

func (c *unikraftCloudController) Enable(ctx context.Context) error {
	return c.write(ctx, "-")
}

func (c *unikraftCloudController) write(ctx context.Context, char string) error {
	log := logger.FromContext(ctx)
	if _, err := os.Stat(c.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Error("failed to stat scale-to-zero control file", "path", c.path, "err", err)
		return err
	}

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		log.Error("failed to open scale-to-zero control file", "path", c.path, "err", err)
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(char); err != nil {
		log.Error("failed to write scale-to-zero control file", "path", c.path, "err", err)
		return err
	}
	return nil
}

type NoopController struct{}

func NewNoopController() *NoopController { return &NoopController{} }

func (NoopController) Disable(context.Context) error { return nil }
func (NoopController) Enable(context.Context) error  { return nil }

// DebouncedController reference-counts holders so the recording controller and
// the HTTP middleware can disable scale-to-zero independently. Only the first
// Disable and the last Enable reach the wrapped controller.
type DebouncedController struct {
	mu      sync.Mutex
	ctrl    Controller
	holders int
}

func NewDebouncedController(ctrl Controller) *DebouncedController {
	return &DebouncedController{ctrl: ctrl}
}

func (d *DebouncedController) Disable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.holders == 0 {
		if err := d.ctrl.Disable(ctx); err != nil {
			return err
		}
	}
	d.holders++
	return nil
}

func (d *DebouncedController) Enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.holders {
	case 0:
		return nil
	case 1:
		if err := d.ctrl.Enable(ctx); err != nil {
			// keep the hold so a retry writes again
			return err
		}
	}
	d.holders--
	return nil
}

// Oncer wraps a Controller and ensures that Disable and Enable are called at
// most once. Each recording session owns one so that every exit path may call
// Enable without unbalancing the debounced count.
type Oncer struct {
	ctrl        Controller
	disableOnce sync.Once
	enableOnce  sync.Once
	disableErr  error
	enableErr   error
}

func NewOncer(c Controller) *Oncer { return &Oncer{ctrl: c} }

func (o *Oncer) Disable(ctx context.Context) error {
	o.disableOnce.Do(func() { o.disableErr = o.ctrl.Disable(ctx) })
	return o.disableErr
}

func (o *Oncer) Enable(ctx context.Context) error {
	o.enableOnce.Do(func() { o.enableErr = o.ctrl.Enable(ctx) })
	return o.enableErr
}
