package subprocess

import (
	"sync"

	"github.com/smallnest/ringbuffer"
)

// tailWriter keeps the last Capacity bytes written to it. It is used for
// subprocess stderr so that a chatty model cannot grow memory without bound.
type tailWriter struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

func newTailWriter(size int) *tailWriter {
	return &tailWriter{rb: ringbuffer.New(size)}
}

// Write never fails; older bytes are discarded to make room.
func (w *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()

	if c := w.rb.Capacity(); len(p) >= c {
		w.rb.Reset()
		p = p[len(p)-c:]
	}
	if over := len(p) - w.rb.Free(); over > 0 {
		discard := make([]byte, over)
		_, _ = w.rb.Read(discard)
	}
	_, _ = w.rb.Write(p)
	return n, nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rb.IsEmpty() {
		return ""
	}
	return string(w.rb.Bytes(nil))
}
