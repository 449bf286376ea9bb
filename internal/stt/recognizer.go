package stt

import (
	"context"
)

// Request is one recognizer invocation over a buffered audio segment.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Final      bool
	Language   string
	// Targets are translation language codes; empty disables translation.
	Targets []string
	// Diarize asks for speaker-attributed turns.
	Diarize bool
}

// Turn is one speaker-attributed span of a diarized segment.
type Turn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text         string
	Confidence   float64
	Translations map[string]string
	Turns        []Turn
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}
