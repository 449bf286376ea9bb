package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const tapBuffer = 64

// Hub fans frames from one physical device out to any number of taps. The
// device is opened by the first Subscribe and released when the last tap
// closes. Delivery never blocks: a tap that falls behind loses frames.
type Hub struct {
	device     Device
	sampleRate int
	frameSize  int
	log        *slog.Logger

	mu       sync.Mutex
	stream   Stream
	taps     map[*Tap]struct{}
	stop     chan struct{}
	draining chan struct{}
	dropped  atomic.Int64
}

// Tap is one subscription to the hub. Frames are shared between taps and
// must be treated as read-only.
type Tap struct {
	hub    *Hub
	frames chan []float32
	once   sync.Once
}

func NewHub(device Device, sampleRate, frameSize int, log *slog.Logger) *Hub {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Hub{
		device:     device,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		log:        log.With(slog.String("component", "capture-hub")),
		taps:       make(map[*Tap]struct{}),
	}
}

func (h *Hub) SampleRate() int { return h.sampleRate }

func (h *Hub) FrameSize() int { return h.frameSize }

// Dropped reports how many frames were discarded for slow taps.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Active reports whether the device is currently open.
func (h *Hub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream != nil
}

// Subscribe returns a new tap, opening the device if needed. Device errors
// wrap ErrPermissionDenied or ErrDeviceUnavailable.
func (h *Hub) Subscribe(ctx context.Context) (*Tap, error) {
	h.mu.Lock()
	for h.stream == nil && h.draining != nil {
		draining := h.draining
		h.mu.Unlock()
		select {
		case <-draining:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		h.mu.Lock()
		if h.draining == draining {
			h.draining = nil
		}
	}
	defer h.mu.Unlock()

	if h.stream == nil {
		stream, err := h.device.Open(ctx, h.sampleRate, h.frameSize)
		if err != nil {
			return nil, err
		}
		h.stream = stream
		h.stop = make(chan struct{})
		h.draining = make(chan struct{})
		go h.pump(stream, h.stop, h.draining)
		h.log.Info("capture device opened", slog.Int("sample_rate", h.sampleRate), slog.Int("frame_size", h.frameSize))
	}
	t := &Tap{hub: h, frames: make(chan []float32, tapBuffer)}
	h.taps[t] = struct{}{}
	return t, nil
}

// Frames is closed when the tap is closed or the device fails.
func (t *Tap) Frames() <-chan []float32 {
	return t.frames
}

// Close detaches the tap. Closing the last tap releases the device before
// returning.
func (t *Tap) Close() {
	t.once.Do(func() { t.hub.release(t) })
}

func (h *Hub) release(t *Tap) {
	h.mu.Lock()
	if _, ok := h.taps[t]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.taps, t)
	close(t.frames)
	if len(h.taps) > 0 || h.stream == nil {
		h.mu.Unlock()
		return
	}
	h.stream = nil
	close(h.stop)
	draining := h.draining
	h.mu.Unlock()
	<-draining
}

func (h *Hub) pump(stream Stream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if err := stream.Close(); err != nil {
			h.log.Warn("capture device close failed", slogError(err))
		}
		h.log.Info("capture device released", slog.Int64("dropped_frames", h.dropped.Load()))
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}
		frame, err := stream.Read()
		if err != nil {
			h.log.Warn("capture read failed", slogError(err))
			h.mu.Lock()
			if h.stream == stream {
				h.stream = nil
				for t := range h.taps {
					close(t.frames)
					delete(h.taps, t)
				}
			}
			h.mu.Unlock()
			return
		}
		h.mu.Lock()
		for t := range h.taps {
			select {
			case t.frames <- frame:
			default:
				h.dropped.Add(1)
			}
		}
		h.mu.Unlock()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
