package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice captures from the default system input.
type PortAudioDevice struct{}

func NewPortAudioDevice() *PortAudioDevice {
	return &PortAudioDevice{}
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32
	once   sync.Once
}

func (d *PortAudioDevice) Open(ctx context.Context, sampleRate, frameSize int) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, mapPortAudioError("initialize portaudio", err)
	}
	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, mapPortAudioError("open input stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, mapPortAudioError("start input stream", err)
	}
	return &portAudioStream{stream: stream, buf: buf}, nil
}

func (s *portAudioStream) Read() ([]float32, error) {
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	return append([]float32(nil), s.buf...), nil
}

func (s *portAudioStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
	})
	return err
}

func mapPortAudioError(op string, err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable), errors.Is(err, portaudio.InvalidDevice):
		return fmt.Errorf("%s: %w: %v", op, ErrDeviceUnavailable, err)
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%s: %w: %v", op, ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrDeviceUnavailable, err)
	}
}
