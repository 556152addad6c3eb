package engine

import "sync"

// ring is a bounded float32 sample buffer between a decode goroutine and
// the hardware playback callback. Writes drop the oldest samples on
// overflow; reads never block and pad with silence on underrun, which is
// all the realtime callback thread is allowed to do.
type ring struct {
	mu  sync.Mutex
	buf []float32
	cap int
}

func newRing(capSamples int) *ring {
	return &ring{
		buf: make([]float32, 0, capSamples),
		cap: capSamples,
	}
}

// Write appends samples, discarding from the oldest end when the buffer
// would exceed its capacity. Returns the number of samples dropped.
func (r *ring) Write(samples []float32) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(samples) >= r.cap {
		dropped = len(r.buf) + len(samples) - r.cap
		r.buf = append(r.buf[:0], samples[len(samples)-r.cap:]...)
		return dropped
	}
	if over := len(r.buf) + len(samples) - r.cap; over > 0 {
		r.buf = r.buf[:copy(r.buf, r.buf[over:])]
		dropped = over
	}
	r.buf = append(r.buf, samples...)
	return dropped
}

// ReadInto fills dst with buffered samples and zeroes whatever is left.
// Returns the number of real samples copied.
func (r *ring) ReadInto(dst []float32) int {
	r.mu.Lock()
	n := copy(dst, r.buf)
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]
	r.mu.Unlock()

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// Len reports the number of buffered samples.
func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
