package capture

import (
	"context"
	"sync"
)

// Recorder accumulates hub frames for local export.
type Recorder struct {
	hub *Hub

	mu     sync.Mutex
	tap    *Tap
	frames [][]float32
	done   chan struct{}
}

func NewRecorder(hub *Hub) *Recorder {
	return &Recorder{hub: hub}
}

// Start subscribes to the hub. Calling Start while recording is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tap != nil {
		return nil
	}
	tap, err := r.hub.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.tap = tap
	r.frames = nil
	r.done = make(chan struct{})
	go r.collect(tap, r.done)
	return nil
}

func (r *Recorder) collect(tap *Tap, done chan<- struct{}) {
	defer close(done)
	for frame := range tap.Frames() {
		r.mu.Lock()
		r.frames = append(r.frames, frame)
		r.mu.Unlock()
	}
}

// Recording reports whether a tap is attached.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tap != nil
}

// Stop releases the tap and hands over the accumulated samples, leaving the
// recorder empty.
func (r *Recorder) Stop() Buffer {
	r.mu.Lock()
	tap, done := r.tap, r.done
	r.tap, r.done = nil, nil
	r.mu.Unlock()

	if tap != nil {
		tap.Close()
		<-done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	buf := Buffer{SampleRate: r.hub.SampleRate(), Frames: r.frames}
	r.frames = nil
	return buf
}
