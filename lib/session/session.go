// Package session drives a single camera recording at a time: it negotiates a
// format, owns the recording engine, collects its chunks and counts elapsed
// seconds while recording.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/chunkbuf"
	"github.com/onkernel/camrec/lib/codec"
	"github.com/onkernel/camrec/lib/logger"
	"github.com/onkernel/camrec/lib/recorder"
	"github.com/onkernel/camrec/lib/scaletozero"
	"github.com/onkernel/camrec/lib/ticker"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

const (
	FlushPeriod   = time.Second
	ElapsedPeriod = time.Second
)

var (
	ErrNoSupportedFormat = codec.ErrNoSupportedFormat
	ErrClosed            = errors.New("session controller is closed")
	ErrEngineStopped     = errors.New("recording engine stopped unexpectedly")
)

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	SessionID      string        `json:"sessionId,omitempty"`
	State          State         `json:"state"`
	ElapsedSeconds int           `json:"elapsedSeconds"`
	Chunks         int           `json:"chunks"`
	Bytes          int64         `json:"bytes"`
	Format         *codec.Format `json:"format,omitempty"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	StoppedAt      *time.Time    `json:"stoppedAt,omitempty"`
	Error          string        `json:"error,omitempty"`
}

type Params struct {
	Source       capture.Source
	Capabilities codec.Capabilities
	// Formats is the negotiation priority list. Empty means codec.DefaultFormats.
	Formats   []codec.Format
	NewEngine recorder.Factory

	// Optional.
	ScaleToZero   scaletozero.Controller
	FlushTicker   ticker.Interval
	ElapsedTicker ticker.Factory
}

// Controller is the recording state machine. All methods are safe for
// concurrent use.
type Controller struct {
	mu sync.Mutex

	ctx          context.Context
	source       capture.Source
	caps         codec.Capabilities
	formats      []codec.Format
	newEngine    recorder.Factory
	stz          scaletozero.Controller
	flush        ticker.Interval
	elapsedTimer ticker.Factory

	buf     *chunkbuf.Buffer
	state   State
	elapsed int
	active  *activeSession
	closed  bool
	// non-nil while a Start is negotiating or beginning, closed when it settles
	pending chan struct{}

	// describe the latest session, kept after it stops
	sessionID string
	format    *codec.Format
	startedAt *time.Time
	stoppedAt *time.Time
	lastErr   error

	subsMu     sync.Mutex
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool
}

type activeSession struct {
	id       string
	format   codec.Format
	engine   recorder.Engine
	elapsed  ticker.Interval
	stz      *scaletozero.Oncer
	stopping bool
	done     chan struct{}
}

// New builds a controller and starts its flush ticker, which runs until Close.
func New(ctx context.Context, p Params) (*Controller, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if p.Capabilities == nil {
		return nil, fmt.Errorf("capabilities are required")
	}
	if p.NewEngine == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	formats := p.Formats
	if len(formats) == 0 {
		formats = codec.DefaultFormats()
	}
	for _, f := range formats {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid recording format: %w", err)
		}
	}

	c := &Controller{
		ctx:          context.WithoutCancel(ctx),
		source:       p.Source,
		caps:         p.Capabilities,
		formats:      formats,
		newEngine:    p.NewEngine,
		stz:          p.ScaleToZero,
		flush:        p.FlushTicker,
		elapsedTimer: p.ElapsedTicker,
		buf:          chunkbuf.New(),
		state:        StateIdle,
		subs:         make(map[int]chan Snapshot),
	}
	if c.stz == nil {
		c.stz = scaletozero.NewNoopController()
	}
	if c.flush == nil {
		c.flush = ticker.NewEvery(FlushPeriod)
	}
	if c.elapsedTimer == nil {
		c.elapsedTimer = ticker.EveryFactory
	}

	c.flush.Start(c.flushTick)
	return c, nil
}

// Start begins a new recording session. Without a bound stream it does
// nothing. While a session is active or starting it does nothing. A session
// that cannot find a format returns ErrNoSupportedFormat and leaves the
// controller idle with an empty buffer and no session.
//
// The controller lock is not held while the format is negotiated and the
// engine begins, so readers never wait on the encoder.
func (c *Controller) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.active != nil || c.pending != nil {
		c.mu.Unlock()
		return nil
	}
	stream, ok := c.source.Stream()
	if !ok {
		c.mu.Unlock()
		log.Info("no capture stream bound, not recording")
		return nil
	}

	c.buf.Reset()
	c.elapsed = 0
	c.sessionID = ""
	c.format = nil
	c.startedAt = nil
	c.stoppedAt = nil
	c.lastErr = nil
	pending := make(chan struct{})
	c.pending = pending
	c.mu.Unlock()
	defer close(pending)

	s, sctx, err := c.begin(ctx, stream)

	c.mu.Lock()
	c.pending = nil
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.notify()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		if err := s.engine.Finish(sctx); err != nil {
			log.Error("failed to finish recording after close", "err", err)
		}
		if err := s.stz.Enable(sctx); err != nil {
			log.Error("failed to re-enable scale-to-zero", "err", err)
		}
		return ErrClosed
	}

	now := time.Now()
	s.elapsed = c.elapsedTimer(ElapsedPeriod)
	c.active = s
	c.state = StateRecording
	c.sessionID = s.id
	c.format = &s.format
	c.startedAt = &now
	s.elapsed.Start(func() { c.tickElapsed(s.id) })
	c.mu.Unlock()

	logger.FromContext(sctx).Info("recording started", "mime_type", s.format.MimeType)
	go c.watchEngine(sctx, s)
	c.notify()
	return nil
}

// begin negotiates a format and brings up an engine for stream. It runs
// without the controller lock. The returned context carries the session id.
func (c *Controller) begin(ctx context.Context, stream capture.Stream) (*activeSession, context.Context, error) {
	log := logger.FromContext(ctx)
	// a client hanging up mid-negotiation must not read as an unsupported device
	ctx = context.WithoutCancel(ctx)

	format, err := codec.Negotiate(ctx, c.caps, stream, c.formats)
	if err != nil {
		return nil, nil, err
	}

	id := cuid2.Generate()
	engine, err := c.newEngine(stream, format, func(chunk []byte) { c.handleData(id, chunk) })
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create recording engine: %w", err)
	}

	sctx := logger.With(ctx, "session_id", id)
	stz := scaletozero.NewOncer(c.stz)
	if err := stz.Disable(sctx); err != nil {
		log.Error("failed to disable scale-to-zero", "err", err)
	}
	if err := engine.Begin(sctx); err != nil {
		if err := stz.Enable(sctx); err != nil {
			log.Error("failed to re-enable scale-to-zero", "err", err)
		}
		return nil, nil, fmt.Errorf("failed to begin recording: %w", err)
	}

	return &activeSession{
		id:     id,
		format: format,
		engine: engine,
		stz:    stz,
		done:   make(chan struct{}),
	}, sctx, nil
}

// Stop ends the active session. It returns once the engine has delivered its
// final chunk. A Start still in flight is waited for first. Without an active
// session it does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if pending := c.pending; pending != nil {
		c.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	s := c.active
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	if s.stopping {
		c.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	s.elapsed.Stop()
	c.mu.Unlock()

	return c.finish(logger.With(context.WithoutCancel(ctx), "session_id", s.id), s, nil)
}

// Close stops any active session and the flush ticker. Start fails with
// ErrClosed afterwards and subscriber channels are closed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.flush.Stop()
	c.mu.Unlock()

	err := c.Stop(ctx)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return err
}

func (c *Controller) finish(ctx context.Context, s *activeSession, cause error) error {
	log := logger.FromContext(ctx)

	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}
	if err := s.engine.Finish(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to finish recording: %w", err))
	}
	if err := s.stz.Enable(ctx); err != nil {
		log.Error("failed to re-enable scale-to-zero", "err", err)
	}
	err := errors.Join(errs...)

	c.mu.Lock()
	now := time.Now()
	c.active = nil
	c.state = StateIdle
	c.stoppedAt = &now
	c.lastErr = err
	close(s.done)
	chunks, size := c.buf.Len(), c.buf.Size()
	elapsed := c.elapsed
	c.mu.Unlock()

	if err != nil {
		log.Error("recording stopped with error", "err", err, "chunks", chunks, "bytes", size, "elapsed_seconds", elapsed)
	} else {
		log.Info("recording stopped", "chunks", chunks, "bytes", size, "elapsed_seconds", elapsed)
	}
	c.notify()
	return err
}

// watchEngine ends the session when the engine stops without being asked to.
func (c *Controller) watchEngine(ctx context.Context, s *activeSession) {
	select {
	case <-s.engine.Done():
	case <-s.done:
		return
	}

	c.mu.Lock()
	if c.active != s || s.stopping {
		c.mu.Unlock()
		return
	}
	s.stopping = true
	s.elapsed.Stop()
	c.mu.Unlock()

	logger.FromContext(ctx).Error("recording engine exited while recording")
	_ = c.finish(ctx, s, ErrEngineStopped)
}

// handleData appends a chunk from the engine of session id. Empty chunks and
// chunks from a session that is no longer current are dropped.
func (c *Controller) handleData(id string, chunk []byte) {
	c.mu.Lock()
	if c.active == nil || c.active.id != id {
		c.mu.Unlock()
		return
	}
	kept := c.buf.Append(chunk)
	c.mu.Unlock()

	if kept {
		c.notify()
	}
}

func (c *Controller) tickElapsed(id string) {
	c.mu.Lock()
	if c.active == nil || c.active.id != id || c.active.stopping {
		c.mu.Unlock()
		return
	}
	c.elapsed++
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) flushTick() {
	c.mu.Lock()
	if c.closed || c.active == nil || c.active.stopping {
		c.mu.Unlock()
		return
	}
	id, engine := c.active.id, c.active.engine
	c.mu.Unlock()

	if err := engine.RequestFlush(c.ctx); err != nil {
		logger.FromContext(c.ctx).Warn("failed to flush recording", "session_id", id, "err", err)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns the whole seconds counted for the latest session.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Chunks returns the recorded chunks in delivery order.
func (c *Controller) Chunks() [][]byte {
	return c.buf.Chunks()
}

// ChunksSince returns the chunks of session id from index from onwards. It
// reports false once id is no longer the latest session.
func (c *Controller) ChunksSince(id string, from int) ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" || c.sessionID != id {
		return nil, false
	}
	chunks := c.buf.Chunks()
	if from >= len(chunks) {
		return nil, true
	}
	return chunks[max(from, 0):], true
}

// Format returns the format negotiated for the latest session.
func (c *Controller) Format() (codec.Format, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.format == nil {
		return codec.Format{}, false
	}
	return *c.format, true
}

// Recording returns a reader over the recorded bytes together with the
// snapshot they belong to.
func (c *Controller) Recording() (io.Reader, Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Reader(), c.snapshotLocked()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:      c.sessionID,
		State:          c.state,
		ElapsedSeconds: c.elapsed,
		Chunks:         c.buf.Len(),
		Bytes:          c.buf.Size(),
		StartedAt:      c.startedAt,
		StoppedAt:      c.stoppedAt,
	}
	if c.format != nil {
		f := *c.format
		snap.Format = &f
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}
