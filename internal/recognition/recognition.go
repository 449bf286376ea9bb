// Package recognition defines the contract between the session controller and
// the services that turn microphone or file audio into text.
package recognition

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-captions/internal/language"
)

var (
	ErrUnsupportedMode = errors.New("recognition mode not supported by this backend")
	ErrRecognition     = errors.New("recognition failed")
)

type Kind int

const (
	KindTranscribe Kind = iota
	KindTranslate
	KindConversation
)

func (k Kind) String() string {
	switch k {
	case KindTranscribe:
		return "transcribe"
	case KindTranslate:
		return "translate"
	case KindConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Mode selects what a session recognizes. It is a plain value; the variants
// are Transcribe, Translate and ConversationTranscribe.
type Mode interface {
	Kind() Kind
	// Locale is the spoken source language, e.g. "ja-JP".
	Locale() string
	isMode()
}

// Transcribe recognizes microphone speech in one language.
type Transcribe struct {
	Language string
}

// Translate recognizes microphone speech and translates each utterance into
// Targets, in that order.
type Translate struct {
	Source  string
	Targets []language.Lang
}

// ConversationTranscribe attributes speakers in a multi-channel WAV file.
type ConversationTranscribe struct {
	AudioFile string
	Language  string
}

func (Transcribe) Kind() Kind { return KindTranscribe }
func (m Transcribe) Locale() string { return m.Language }
func (Transcribe) isMode() {}
func (Translate) Kind() Kind { return KindTranslate }
func (m Translate) Locale() string { return m.Source }
func (Translate) isMode() {}
func (ConversationTranscribe) Kind() Kind { return KindConversation }
func (m ConversationTranscribe) Locale() string { return m.Language }
func (ConversationTranscribe) isMode() {}

// TranslationPattern builds a Translate mode from a language pattern.
func TranslationPattern(p language.Pattern) Translate {
	return Translate{Source: p.From, Targets: append([]language.Lang(nil), p.To...)}
}

// Result is one recognized utterance. Translations maps target language codes
// to translated text and is nil outside translate mode.
type Result struct {
	Text         string
	Translations map[string]string
}

// Turn is one attributed utterance of a conversation.
type Turn struct {
	Speaker string
	Text    string
}

// Sink receives session events in the order the backend produced them.
type Sink interface {
	Partial(Result)
	Final(Result)
	Turn(Turn)
	// Fail reports a terminal failure of a running session.
	Fail(error)
}

// Session is a recognizer bound to one mode.
//
// Start returns once the backend confirmed the session is open. Stop returns
// after every pending result has been delivered to the sink. A stopped or
// aborted session may be started again. Abort releases audio and
// subscriptions without waiting for the backend. Close disposes the session.
type Session interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Abort()
	Close() error
}

// Dialer constructs sessions for a backend. Dial does no network I/O.
type Dialer interface {
	Dial(mode Mode, sink Sink) (Session, error)
}
