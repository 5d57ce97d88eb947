package capture

import "sync"

// Source reports the currently bound stream, if any.
type Source interface {
	Stream() (Stream, bool)
}

// Binding is the hand-off point between whoever owns the camera and the
// recording controller. It is safe for concurrent use.
type Binding struct {
	mu     sync.RWMutex
	stream *Stream
}

var _ Source = (*Binding)(nil)

func NewBinding() *Binding {
	return &Binding{}
}

func (b *Binding) Bind(s Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = &s
}

func (b *Binding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = nil
}

func (b *Binding) Stream() (Stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stream == nil {
		return Stream{}, false
	}
	return *b.stream, true
}
