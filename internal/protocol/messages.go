package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Session modes carried by SessionOpen.
const (
	ModeTranscribe   = "transcribe"
	ModeTranslate    = "translate"
	ModeConversation = "conversation"
)

// SessionOpen asks the recognition service to start tracking a session.
type SessionOpen struct {
	SessionID  string   `json:"session_id"`
	Mode       string   `json:"mode"`
	Language   string   `json:"language"`
	Targets    []string `json:"targets,omitempty"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Region     string   `json:"region,omitempty"`
}

// SessionClose asks the recognition service to flush and forget a session.
// Frames is the number of audio frames the client published, so the service
// can wait for stragglers before flushing.
type SessionClose struct {
	SessionID string `json:"session_id"`
	Frames    int    `json:"frames"`
}

// SessionAck is the reply to SessionOpen and SessionClose requests.
type SessionAck struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Transcript kinds.
const (
	KindPartial = "partial"
	KindFinal   = "final"
	KindTurn    = "turn"
	KindError   = "error"
	KindClosed  = "closed"
)

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID    string            `json:"session_id"`
	Kind         string            `json:"kind"`
	Text         string            `json:"text"`
	Partial      bool              `json:"partial"`
	Translations map[string]string `json:"translations,omitempty"`
	SpeakerID    string            `json:"speaker_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Confidence   float64           `json:"confidence,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscriptPrefix = "stt.text"
	SubjectSessionOpen      = "stt.session.open"
	SubjectSessionClose     = "stt.session.close"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func TranscriptSubject(kind, sessionID string) string {
	return SubjectTranscriptPrefix + "." + kind + "." + sessionID
}

// TranscriptWildcard matches every transcript kind of one session, so a single
// subscription observes them in publish order.
func TranscriptWildcard(sessionID string) string {
	return SubjectTranscriptPrefix + ".*." + sessionID
}
