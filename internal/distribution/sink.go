package distribution

import (
	"errors"

	"github.com/zsiec/avcmux/internal/remux"
)

var errQueueFull = errors.New("viewer queue full")

// queueSink adapts a bounded channel of encoded chunks to remux.Sink. The
// remuxer runs on the viewer goroutine and a writer goroutine drains the
// channel, so a slow connection shows up as Busy and output stays pending
// in the remuxer.
type queueSink struct {
	ch     chan []byte
	encode func(remux.Chunk) []byte
}

func newQueueSink(size int, encode func(remux.Chunk) []byte) *queueSink {
	if size <= 0 {
		size = 64
	}
	if encode == nil {
		encode = func(c remux.Chunk) []byte { return c.Data }
	}
	return &queueSink{ch: make(chan []byte, size), encode: encode}
}

func (q *queueSink) Busy() bool {
	return len(q.ch) == cap(q.ch)
}

// Append encodes only once space is known to exist: the remuxer goroutine
// is the only sender, so the send below cannot block.
func (q *queueSink) Append(c remux.Chunk) error {
	if q.Busy() {
		return errQueueFull
	}
	q.ch <- q.encode(c)
	return nil
}
