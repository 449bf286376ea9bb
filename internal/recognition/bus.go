package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/credential"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/wavfile"
	"github.com/nats-io/nats.go"
)

const conversationPrefix = "room-"

// BusOptions configures a BusDialer.
type BusOptions struct {
	Conn *nats.Conn
	// Hub supplies microphone frames. Required for transcribe and translate.
	Hub *capture.Hub
	// Credentials is optional; when set its region is forwarded on open.
	Credentials credential.Source
	// FrameSize is the samples per channel sent per frame for file input.
	FrameSize   int
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// BusDialer runs sessions against the recognition service over NATS.
type BusDialer struct {
	opts BusOptions
	log  *slog.Logger
}

func NewBusDialer(opts BusOptions) (*BusDialer, error) {
	if opts.Conn == nil {
		return nil, errors.New("bus dialer requires a NATS connection")
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = capture.DefaultFrameSize
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &BusDialer{opts: opts, log: log.With(slog.String("component", "bus-dialer"))}, nil
}

func (d *BusDialer) Dial(mode Mode, sink Sink) (Session, error) {
	if mode == nil || sink == nil {
		return nil, errors.New("dial requires a mode and a sink")
	}
	id := uuid.NewString()
	switch mode.Kind() {
	case KindTranscribe, KindTranslate:
		if d.opts.Hub == nil {
			return nil, fmt.Errorf("%w: %s needs a microphone", ErrUnsupportedMode, mode.Kind())
		}
	case KindConversation:
		id = conversationPrefix + id
	default:
		return nil, ErrUnsupportedMode
	}
	return &busSession{
		d:    d,
		id:   id,
		mode: mode,
		sink: sink,
		log:  d.log.With(slog.String("session_id", id), slog.String("mode", mode.Kind().String())),
	}, nil
}

type busSession struct {
	d    *BusDialer
	id   string
	mode Mode
	sink Sink
	log  *slog.Logger

	mu         sync.Mutex
	starts     int
	stream     string
	running    bool
	sub        *nats.Subscription
	closed     chan struct{}
	cancel     context.CancelFunc
	streamDone chan struct{}
	sent       int
}

func (s *busSession) ID() string { return s.id }

func (s *busSession) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	// Each start uses a fresh stream id on the wire.
	s.starts++
	s.stream = fmt.Sprintf("%s-%d", s.id, s.starts)
	open := protocol.SessionOpen{
		SessionID: s.stream,
		Mode:      s.mode.Kind().String(),
		Language:  s.mode.Locale(),
	}
	if m, ok := s.mode.(Translate); ok {
		for _, t := range m.Targets {
			open.Targets = append(open.Targets, t.Code)
		}
	}
	if src := s.d.opts.Credentials; src != nil {
		cred, err := src.Credential(ctx)
		if err != nil {
			return err
		}
		open.Region = cred.Region
	}

	var (
		tap    *capture.Tap
		frames [][]byte
	)
	if m, ok := s.mode.(ConversationTranscribe); ok {
		audio, err := readAudioFile(m.AudioFile)
		if err != nil {
			return err
		}
		open.SampleRate, open.Channels = audio.SampleRate, audio.Channels
		frames = audio.Frames(s.d.opts.FrameSize)
	} else {
		hub := s.d.opts.Hub
		t, err := hub.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		tap = t
		open.SampleRate, open.Channels = hub.SampleRate(), 1
	}

	closed := make(chan struct{})
	once := &sync.Once{}
	sub, err := s.d.opts.Conn.Subscribe(protocol.TranscriptWildcard(s.stream), func(msg *nats.Msg) {
		s.handle(msg, closed, once)
	})
	if err != nil {
		if tap != nil {
			tap.Close()
		}
		return fmt.Errorf("subscribe transcripts: %w", err)
	}
	if err := s.request(ctx, protocol.SubjectSessionOpen, open); err != nil {
		_ = sub.Unsubscribe()
		if tap != nil {
			tap.Close()
		}
		return fmt.Errorf("open session: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sent = 0
	if tap != nil {
		go s.streamTap(streamCtx, tap, open.SampleRate, done)
	} else {
		go s.streamFile(streamCtx, frames, open.SampleRate, open.Channels, done)
	}

	s.running = true
	s.sub = sub
	s.closed = closed
	s.cancel = cancel
	s.streamDone = done
	s.log.Info("recognition session opened")
	return nil
}

func (s *busSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sub, closed, cancel, done, stream := s.sub, s.closed, s.cancel, s.streamDone, s.stream
	s.mu.Unlock()

	defer func() { _ = sub.Unsubscribe() }()
	defer cancel()

	if s.mode.Kind() != KindConversation {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	if err := s.request(ctx, protocol.SubjectSessionClose, protocol.SessionClose{SessionID: stream, Frames: s.sentFrames()}); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	select {
	case <-closed:
		s.log.Info("recognition session closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *busSession) Abort() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sub, cancel, done, stream := s.sub, s.cancel, s.streamDone, s.stream
	s.mu.Unlock()

	cancel()
	<-done
	data, err := json.Marshal(protocol.SessionClose{SessionID: stream, Frames: s.sentFrames()})
	if err == nil {
		if err := s.d.opts.Conn.Publish(protocol.SubjectSessionClose, data); err != nil {
			s.log.Warn("failed to publish session close", slogError(err))
		}
	}
	_ = sub.Unsubscribe()
	s.log.Info("recognition session aborted")
}

func (s *busSession) Close() error {
	s.Abort()
	return nil
}

func (s *busSession) sentFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *busSession) request(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.d.opts.OpenTimeout)
	defer cancel()
	msg, err := s.d.opts.Conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return err
	}
	var ack protocol.SessionAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("decode ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRecognition, ack.Error)
	}
	return nil
}

func (s *busSession) handle(msg *nats.Msg, closed chan struct{}, once *sync.Once) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	switch t.Kind {
	case protocol.KindPartial:
		s.sink.Partial(Result{Text: t.Text, Translations: t.Translations})
	case protocol.KindFinal:
		s.sink.Final(Result{Text: t.Text, Translations: t.Translations})
	case protocol.KindTurn:
		s.sink.Turn(Turn{Speaker: t.SpeakerID, Text: t.Text})
	case protocol.KindError:
		s.sink.Fail(fmt.Errorf("%w: %s", ErrRecognition, t.Error))
	case protocol.KindClosed:
		once.Do(func() { close(closed) })
	default:
		s.log.Debug("ignoring transcript", slog.String("kind", t.Kind))
	}
}

func (s *busSession) streamTap(ctx context.Context, tap *capture.Tap, sampleRate int, done chan<- struct{}) {
	defer close(done)
	defer tap.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-tap.Frames():
			if !ok {
				if ctx.Err() == nil {
					s.sink.Fail(fmt.Errorf("microphone stream ended: %w", capture.ErrDeviceUnavailable))
				}
				return
			}
			if err := s.publishFrame(wavfile.PCM16(frame), sampleRate, 1, false); err != nil {
				s.log.Warn("failed to publish audio frame", slogError(err))
			}
		}
	}
}

func (s *busSession) streamFile(ctx context.Context, frames [][]byte, sampleRate, channels int, done chan<- struct{}) {
	defer close(done)
	for i, pcm := range frames {
		if ctx.Err() != nil {
			return
		}
		if err := s.publishFrame(pcm, sampleRate, channels, i == len(frames)-1); err != nil {
			s.log.Warn("failed to publish audio frame", slogError(err))
			return
		}
	}
}

func (s *busSession) publishFrame(pcm []byte, sampleRate, channels int, final bool) error {
	s.mu.Lock()
	seq, stream := s.sent, s.stream
	s.sent++
	s.mu.Unlock()

	data, err := json.Marshal(protocol.AudioFrame{
		SessionID:  stream,
		Sequence:   seq,
		SampleRate: sampleRate,
		Channels:   channels,
		PCM:        pcm,
		Final:      final,
	})
	if err != nil {
		return err
	}
	return s.d.opts.Conn.Publish(protocol.AudioFrameSubject(stream), data)
}

func readAudioFile(path string) (*wavfile.Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()
	audio, err := wavfile.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read audio file %s: %w", path, err)
	}
	return audio, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
