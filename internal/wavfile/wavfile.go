// Package wavfile encodes captured float frames as WAV, decodes WAV input for
// file-fed sessions, and builds multi-channel files for conversation audio.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrInvalidFile = errors.New("not a valid PCM wav file")

// Audio is decoded interleaved PCM.
type Audio struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Data       []int
}

// Export encodes frames of float samples in [-1, 1] as a mono 16-bit PCM WAV
// at sampleRate. The output depends only on the inputs, and frames is not
// retained.
func Export(frames [][]float32, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	samples := make([]int, 0, total)
	for _, f := range frames {
		for _, s := range f {
			samples = append(samples, FloatToInt16(s))
		}
	}
	return encode(samples, sampleRate, 1)
}

// FloatToInt16 maps a float sample onto the signed 16-bit range, clamping
// values outside [-1, 1].
func FloatToInt16(s float32) int {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int(s * 0x8000)
	}
	return int(s * 0x7FFF)
}

// PCM16 packs float samples as little-endian signed 16-bit PCM.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(FloatToInt16(s))))
	}
	return out
}

// Read decodes a PCM wav stream.
func Read(r io.ReadSeeker) (*Audio, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidFile
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return &Audio{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Data:       buf.Data,
	}, nil
}

// Frames splits the audio into 16-bit little-endian PCM chunks holding
// frameSize samples per channel. The last chunk may be shorter.
func (a *Audio) Frames(frameSize int) [][]byte {
	if frameSize <= 0 || a.Channels <= 0 {
		return nil
	}
	step := frameSize * a.Channels
	var out [][]byte
	for start := 0; start < len(a.Data); start += step {
		end := start + step
		if end > len(a.Data) {
			end = len(a.Data)
		}
		chunk := make([]byte, (end-start)*2)
		for i, s := range a.Data[start:end] {
			binary.LittleEndian.PutUint16(chunk[i*2:], uint16(int16(to16(s, a.BitDepth))))
		}
		out = append(out, chunk)
	}
	return out
}

// Merge builds a 16-bit WAV with the given channel count. Channel i carries
// the first channel of inputs[i]; channels without an input stay silent and
// shorter inputs are padded with silence.
func Merge(inputs []*Audio, channels int) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, errors.New("merge needs at least one input")
	}
	if channels < len(inputs) {
		return nil, fmt.Errorf("%d inputs do not fit into %d channels", len(inputs), channels)
	}
	rate := inputs[0].SampleRate
	length := 0
	for i, in := range inputs {
		if in.SampleRate != rate {
			return nil, fmt.Errorf("input %d has sample rate %d, want %d", i, in.SampleRate, rate)
		}
		if in.Channels <= 0 {
			return nil, fmt.Errorf("input %d has no channels", i)
		}
		if n := len(in.Data) / in.Channels; n > length {
			length = n
		}
	}

	data := make([]int, length*channels)
	for ch, in := range inputs {
		frames := len(in.Data) / in.Channels
		for i := 0; i < frames; i++ {
			data[i*channels+ch] = to16(in.Data[i*in.Channels], in.BitDepth)
		}
	}
	return encode(data, rate, channels)
}

func to16(s, bitDepth int) int {
	switch {
	case bitDepth > 16:
		return s >> (bitDepth - 16)
	case bitDepth > 0 && bitDepth < 16:
		return s << (16 - bitDepth)
	default:
		return s
	}
}

func encode(samples []int, sampleRate, channels int) ([]byte, error) {
	out := &memFile{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}
