package audio

import "sync"

// SampleRing keeps the most recent mono samples written to it. Analysers
// read a fixed-size window from the tail without caring how the capture side
// chunks its buffers.
//
// All methods are safe for concurrent use.
type SampleRing struct {
	mu       sync.Mutex
	data     []float64
	writePos int
	size     int
}

// NewSampleRing creates a ring holding at most capacity samples.
func NewSampleRing(capacity int) *SampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleRing{data: make([]float64, capacity)}
}

// Write appends samples, overwriting the oldest data once the ring is full.
func (r *SampleRing) Write(samples []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.data)
	if len(samples) >= capacity {
		copy(r.data, samples[len(samples)-capacity:])
		r.writePos = 0
		r.size = capacity
		return
	}

	n := copy(r.data[r.writePos:], samples)
	if n < len(samples) {
		copy(r.data, samples[n:])
	}
	r.writePos = (r.writePos + len(samples)) % capacity
	r.size = min(r.size+len(samples), capacity)
}

// Latest fills dst with the newest len(dst) samples, oldest first. When fewer
// samples have been written, the head of dst is zero-filled. It returns the
// number of real samples copied.
func (r *SampleRing) Latest(dst []float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(dst), r.size)
	pad := len(dst) - n
	clear(dst[:pad])

	capacity := len(r.data)
	start := (r.writePos - n + capacity) % capacity
	for i := range n {
		dst[pad+i] = r.data[(start+i)%capacity]
	}
	return n
}

// Len reports how many samples are currently stored.
func (r *SampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset discards all stored samples.
func (r *SampleRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.size = 0
}
