// Package deepgram runs transcribe sessions directly against Deepgram's live
// websocket API, bypassing the recognition service.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/wavfile"
)

const (
	defaultModel  = "nova-2"
	finalizeGrace = 2 * time.Second
)

// finalizeMessage asks Deepgram to flush buffered audio as a final result.
var finalizeMessage = map[string]string{"type": "Finalize"}

type Dialer struct {
	apiKey string
	model  string
	hub    *capture.Hub
	log    *slog.Logger
}

func NewDialer(apiKey string, hub *capture.Hub, log *slog.Logger) (*Dialer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key is required")
	}
	if hub == nil {
		return nil, errors.New("deepgram dialer requires a capture hub")
	}
	return &Dialer{
		apiKey: apiKey,
		model:  defaultModel,
		hub:    hub,
		log:    log.With(slog.String("component", "deepgram-dialer")),
	}, nil
}

func (d *Dialer) Dial(mode recognition.Mode, sink recognition.Sink) (recognition.Session, error) {
	m, ok := mode.(recognition.Transcribe)
	if !ok {
		return nil, fmt.Errorf("%w: deepgram supports transcribe only", recognition.ErrUnsupportedMode)
	}
	id := uuid.NewString()
	return &session{
		d:        d,
		id:       id,
		language: m.Language,
		sink:     sink,
		log:      d.log.With(slog.String("session_id", id)),
	}, nil
}

type session struct {
	d        *Dialer
	id       string
	language string
	sink     recognition.Sink
	log      *slog.Logger

	mu       sync.Mutex
	starting bool
	running  bool
	stopping bool
	client   *listen.WebSocketClient
	cancel   context.CancelFunc
	release  context.CancelFunc
	done     chan struct{}
	finals   chan struct{}
}

func (s *session) ID() string { return s.id }

func (s *session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.d.model,
		Language:       s.language,
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     s.d.hub.SampleRate(),
		SmartFormat:    true,
		InterimResults: true,
	}

	tap, err := s.d.hub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}

	connCtx, release := context.WithCancel(context.Background())
	finals := make(chan struct{}, 1)
	client, err := listen.NewWebSocket(connCtx, s.d.apiKey, cOptions, tOptions, &callback{s: s, finals: finals})
	if err != nil {
		release()
		tap.Close()
		return fmt.Errorf("create deepgram connection: %w", err)
	}
	if !client.Connect() {
		release()
		tap.Close()
		return fmt.Errorf("%w: failed to connect to deepgram", recognition.ErrRecognition)
	}

	// Audio streaming stops before the connection so Stop can still
	// receive the finalized transcript.
	streamCtx, cancel := context.WithCancel(connCtx)
	done := make(chan struct{})
	s.mu.Lock()
	s.running = true
	s.stopping = false
	s.client = client
	s.cancel = cancel
	s.release = release
	s.done = done
	s.finals = finals
	s.mu.Unlock()
	go s.stream(streamCtx, client, tap, done)
	s.log.Info("deepgram session opened", slog.String("language", s.language))
	return nil
}

func (s *session) stream(ctx context.Context, client *listen.WebSocketClient, tap *capture.Tap, done chan<- struct{}) {
	defer close(done)
	defer tap.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-tap.Frames():
			if !ok {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("microphone stream ended: %w", capture.ErrDeviceUnavailable))
				}
				return
			}
			if err := client.WriteBinary(wavfile.PCM16(frame)); err != nil {
				s.log.Warn("failed to send audio", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	client, cancel, release, done, finals := s.client, s.cancel, s.release, s.done, s.finals
	s.mu.Unlock()

	cancel()
	<-done
	s.finalize(ctx, client, finals)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		client.Stop()
		release()
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("deepgram session closed")
	return nil
}

func (s *session) Abort() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopping = true
	client, cancel, release, done := s.client, s.cancel, s.release, s.done
	s.mu.Unlock()

	cancel()
	<-done
	client.Stop()
	release()
}

// finalize flushes the audio Deepgram still buffers and waits, bounded by
// finalizeGrace, for the final result it produces.
func (s *session) finalize(ctx context.Context, client *listen.WebSocketClient, finals chan struct{}) {
	select {
	case <-finals:
	default:
	}
	if err := client.WriteJSON(finalizeMessage); err != nil {
		s.log.Warn("failed to request finalize", slog.String("error", err.Error()))
		return
	}
	timer := time.NewTimer(finalizeGrace)
	defer timer.Stop()
	select {
	case <-finals:
	case <-timer.C:
		s.log.Debug("no final result after finalize")
	case <-ctx.Done():
	}
}

func (s *session) Close() error {
	s.Abort()
	return nil
}

func (s *session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.stopping
}

func (s *session) fail(err error) {
	if s.active() {
		s.sink.Fail(err)
	}
}

type callback struct {
	s      *session
	finals chan<- struct{}
}

func (c *callback) Open(*api.OpenResponse) error {
	return nil
}

func (c *callback) Message(mr *api.MessageResponse) error {
	if mr.IsFinal {
		defer c.signalFinal()
	}
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if mr.IsFinal {
		c.s.sink.Final(recognition.Result{Text: text})
	} else if text != "" {
		c.s.sink.Partial(recognition.Result{Text: text})
	}
	return nil
}

func (c *callback) signalFinal() {
	select {
	case c.finals <- struct{}{}:
	default:
	}
}

func (c *callback) Metadata(md *api.MetadataResponse) error {
	c.s.log.Debug("deepgram metadata", slog.Any("metadata", md))
	return nil
}

func (c *callback) SpeechStarted(*api.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(*api.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *api.CloseResponse) error {
	c.s.fail(fmt.Errorf("%w: deepgram closed the connection (%s)", recognition.ErrRecognition, cr.Type))
	return nil
}

func (c *callback) Error(er *api.ErrorResponse) error {
	c.s.log.Error("deepgram error", slog.String("type", er.Type), slog.String("description", er.Description))
	c.s.fail(fmt.Errorf("%w: %s: %s", recognition.ErrRecognition, er.Type, er.Description))
	return nil
}

func (c *callback) UnhandledEvent(data []byte) error {
	c.s.log.Warn("unhandled deepgram event", slog.Int("bytes", len(data)))
	return nil
}
