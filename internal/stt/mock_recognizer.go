package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	result := TranscriptResult{
		Text: fmt.Sprintf("[%s transcript length=%d]", mode, len(req.PCM)),
	}
	if len(req.Targets) > 0 {
		result.Translations = make(map[string]string, len(req.Targets))
		for _, code := range req.Targets {
			result.Translations[code] = fmt.Sprintf("[%s] %s", code, result.Text)
		}
	}
	if req.Diarize && req.Final {
		result.Turns = []Turn{{Speaker: defaultSpeaker, Text: result.Text}}
	}
	return result, nil
}
