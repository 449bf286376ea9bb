package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	openErr error
	opens   atomic.Int32
	closes  atomic.Int32
	failAt  int
}

type fakeStream struct {
	dev    *fakeDevice
	size   int
	n      int
	closed atomic.Bool
}

func (d *fakeDevice) Open(_ context.Context, _ int, frameSize int) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens.Add(1)
	return &fakeStream{dev: d, size: frameSize}, nil
}

func (s *fakeStream) Read() ([]float32, error) {
	time.Sleep(time.Millisecond)
	s.n++
	if s.dev.failAt > 0 && s.n >= s.dev.failAt {
		return nil, errors.New("device unplugged")
	}
	frame := make([]float32, s.size)
	for i := range frame {
		frame[i] = 0.25
	}
	return frame, nil
}

func (s *fakeStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dev.closes.Add(1)
	}
	return nil
}

func waitFrame(t *testing.T, tap *Tap) []float32 {
	t.Helper()
	select {
	case f, ok := <-tap.Frames():
		if !ok {
			t.Fatal("tap closed unexpectedly")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestHubSharesDeviceBetweenTaps(t *testing.T) {
	dev := &fakeDevice{}
	hub := NewHub(dev, 16000, 1024, newLogger())

	a, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if dev.opens.Load() != 1 {
		t.Fatalf("expected one device open, got %d", dev.opens.Load())
	}
	if f := waitFrame(t, a); len(f) != 1024 {
		t.Fatalf("expected 1024-sample frames, got %d", len(f))
	}
	waitFrame(t, b)

	a.Close()
	if !hub.Active() {
		t.Fatal("device must stay open while a tap remains")
	}
	waitFrame(t, b)

	b.Close()
	if hub.Active() {
		t.Fatal("device must be released after the last tap closes")
	}
	if dev.closes.Load() != 1 {
		t.Fatalf("expected device closed once, got %d", dev.closes.Load())
	}
}

func TestHubReopensAfterRelease(t *testing.T) {
	dev := &fakeDevice{}
	hub := NewHub(dev, 16000, 256, newLogger())
	tap, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	tap.Close()
	tap.Close()

	tap, err = hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	waitFrame(t, tap)
	tap.Close()
	if dev.opens.Load() != 2 || dev.closes.Load() != 2 {
		t.Fatalf("expected 2 opens and closes, got %d/%d", dev.opens.Load(), dev.closes.Load())
	}
}

func TestSlowTapDoesNotBlockOthers(t *testing.T) {
	dev := &fakeDevice{}
	hub := NewHub(dev, 16000, 64, newLogger())
	slow, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer slow.Close()
	fast, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer fast.Close()

	for i := 0; i < tapBuffer*2; i++ {
		waitFrame(t, fast)
	}
	if hub.Dropped() == 0 {
		t.Fatal("expected frames dropped for the slow tap")
	}
}

func TestHubOpenErrorIsReturned(t *testing.T) {
	dev := &fakeDevice{openErr: ErrPermissionDenied}
	hub := NewHub(dev, 16000, 1024, newLogger())
	if _, err := hub.Subscribe(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if hub.Active() {
		t.Fatal("hub must not be active after failed open")
	}
}

func TestDeviceFailureClosesTaps(t *testing.T) {
	dev := &fakeDevice{failAt: 3}
	hub := NewHub(dev, 16000, 32, newLogger())
	tap, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tap.Frames():
			if !ok {
				tap.Close()
				for dev.closes.Load() != 1 {
					select {
					case <-deadline:
						t.Fatal("device was not closed after failure")
					case <-time.After(time.Millisecond):
					}
				}
				if hub.Active() {
					t.Fatal("hub must be inactive after device failure")
				}
				return
			}
		case <-deadline:
			t.Fatal("tap was not closed after device failure")
		}
	}
}

func TestRecorderAccumulatesAndClears(t *testing.T) {
	dev := &fakeDevice{}
	hub := NewHub(dev, 16000, 128, newLogger())
	rec := NewRecorder(hub)

	if buf := rec.Stop(); !buf.Empty() {
		t.Fatal("stop before start must return an empty buffer")
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !rec.Recording() {
		t.Fatal("expected recording")
	}
	time.Sleep(20 * time.Millisecond)

	buf := rec.Stop()
	if buf.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", buf.SampleRate)
	}
	if buf.Empty() {
		t.Fatal("expected captured frames")
	}
	if rec.Recording() || hub.Active() {
		t.Fatal("recorder must release the device on stop")
	}
	if again := rec.Stop(); !again.Empty() {
		t.Fatal("buffer must be cleared after stop")
	}
}

func TestRecorderPropagatesDeviceErrors(t *testing.T) {
	hub := NewHub(&fakeDevice{openErr: ErrDeviceUnavailable}, 16000, 128, newLogger())
	rec := NewRecorder(hub)
	if err := rec.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if rec.Recording() {
		t.Fatal("recorder must not be recording after failure")
	}
}
