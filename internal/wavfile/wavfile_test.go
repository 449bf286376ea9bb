package wavfile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func sampleFrames() [][]float32 {
	a := make([]float32, 1024)
	b := make([]float32, 1024)
	for i := range a {
		a[i] = float32(i%64)/64 - 0.5
		b[i] = -float32(i%32) / 32
	}
	return [][]float32{a, b}
}

func TestExportIsDeterministic(t *testing.T) {
	frames := sampleFrames()
	first, err := Export(frames, 16000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	second, err := Export(frames, 16000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected byte-identical exports")
	}
}

func TestExportHeader(t *testing.T) {
	data, err := Export(sampleFrames(), 16000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: %q", data[:12])
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Fatalf("expected mono, got %d channels", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Fatalf("expected 16-bit, got %d", got)
	}
	if got := int(binary.LittleEndian.Uint32(data[4:8])); got != len(data)-8 {
		t.Fatalf("riff size %d does not match payload %d", got, len(data)-8)
	}
}

func TestExportRoundTrip(t *testing.T) {
	frames := sampleFrames()
	data, err := Export(frames, 16000)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	decoded, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if decoded.SampleRate != 16000 || decoded.Channels != 1 || decoded.BitDepth != 16 {
		t.Fatalf("unexpected format %+v", decoded)
	}
	if len(decoded.Data) != 2048 {
		t.Fatalf("expected 2048 samples, got %d", len(decoded.Data))
	}
	if decoded.Data[1024] != FloatToInt16(frames[1][0]) || decoded.Data[3] != FloatToInt16(frames[0][3]) {
		t.Fatal("decoded samples do not match exported samples")
	}
}

func TestFloatToInt16(t *testing.T) {
	cases := map[float32]int{
		0:    0,
		1:    32767,
		-1:   -32768,
		2:    32767,
		-3:   -32768,
		0.5:  16383,
		-0.5: -16384,
	}
	for in, want := range cases {
		if got := FloatToInt16(in); got != want {
			t.Fatalf("FloatToInt16(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestExportRejectsBadRate(t *testing.T) {
	if _, err := Export(sampleFrames(), 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("definitely not a wav file at all"))); err == nil {
		t.Fatal("expected error")
	}
}

func TestFramesSplitsPerChannel(t *testing.T) {
	a := &Audio{SampleRate: 16000, Channels: 2, BitDepth: 16, Data: make([]int, 10)}
	for i := range a.Data {
		a.Data[i] = i
	}
	chunks := a.Frames(2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 8 || len(chunks[2]) != 4 {
		t.Fatalf("unexpected chunk sizes %d/%d", len(chunks[0]), len(chunks[2]))
	}
	if got := int16(binary.LittleEndian.Uint16(chunks[1][0:2])); got != 4 {
		t.Fatalf("expected sample 4 at start of second chunk, got %d", got)
	}
}

func TestMergeLayout(t *testing.T) {
	one := &Audio{SampleRate: 16000, Channels: 1, BitDepth: 16, Data: []int{1, 2, 3}}
	two := &Audio{SampleRate: 16000, Channels: 2, BitDepth: 16, Data: []int{10, 99, 20, 99}}
	data, err := Merge([]*Audio{one, two}, 8)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	decoded, err := Read(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if decoded.Channels != 8 {
		t.Fatalf("expected 8 channels, got %d", decoded.Channels)
	}
	if len(decoded.Data) != 3*8 {
		t.Fatalf("expected 24 samples, got %d", len(decoded.Data))
	}
	want := map[int]int{0: 1, 1: 10, 8: 2, 9: 20, 16: 3, 17: 0, 7: 0}
	for idx, v := range want {
		if decoded.Data[idx] != v {
			t.Fatalf("sample %d = %d, want %d", idx, decoded.Data[idx], v)
		}
	}
}

func TestMergeRejectsMismatchedRates(t *testing.T) {
	a := &Audio{SampleRate: 16000, Channels: 1, BitDepth: 16, Data: []int{1}}
	b := &Audio{SampleRate: 44100, Channels: 1, BitDepth: 16, Data: []int{1}}
	if _, err := Merge([]*Audio{a, b}, 8); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
	if _, err := Merge([]*Audio{a, a, a}, 2); err == nil {
		t.Fatal("expected channel overflow error")
	}
}
