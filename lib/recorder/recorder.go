package recorder

import (
	"context"

	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/codec"
)

// DataHandler receives encoded chunks in the order the engine produced them.
// A chunk may be empty when a flush found nothing buffered.
type DataHandler func(chunk []byte)

// Engine is a single-use encoder bound to one capture stream and one format.
// A new Engine is created for every recording session.
type Engine interface {
	// Begin starts encoding. It must not call the DataHandler synchronously.
	Begin(ctx context.Context) error
	// RequestFlush delivers whatever the engine has buffered as a chunk
	// without stopping. Calling it before Begin or after Finish is a no-op.
	RequestFlush(ctx context.Context) error
	// Finish stops encoding. Every remaining byte has been delivered by the
	// time it returns. Calling it more than once is a no-op.
	Finish(ctx context.Context) error
	// Done is closed when the encoder stops, whether asked to or not.
	Done() <-chan struct{}
}

// Factory binds a new, not yet started, Engine.
type Factory func(stream capture.Stream, format codec.Format, onData DataHandler) (Engine, error)
