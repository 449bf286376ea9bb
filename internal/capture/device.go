// Package capture shares one microphone between independent subscribers: the
// recognition session streaming audio upstream and the local recorder.
package capture

import (
	"context"
	"errors"
)

const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 1024
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
)

// Device opens an input stream delivering fixed-size mono float frames.
type Device interface {
	Open(ctx context.Context, sampleRate, frameSize int) (Stream, error)
}

// Stream is an open input. Read blocks until the next frame is available.
type Stream interface {
	Read() ([]float32, error)
	Close() error
}

// Buffer is the audio accumulated by a Recorder.
type Buffer struct {
	SampleRate int
	Frames     [][]float32
}

// Empty reports whether no samples were captured.
func (b Buffer) Empty() bool {
	for _, f := range b.Frames {
		if len(f) > 0 {
			return false
		}
	}
	return true
}
