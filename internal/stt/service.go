package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultSpeaker = "Guest-1"
	closeGrace     = 2 * time.Second
	recognizeLimit = 45 * time.Second
)

type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	wg         sync.WaitGroup
	ready      bool

	meter     metric.Meter
	published metric.Int64Counter
}

type sessionState struct {
	open    protocol.SessionOpen
	diarize bool
	wake    chan struct{}
	arrived chan struct{}
	finish  chan chan struct{}

	mu          sync.Mutex
	current     []byte
	segments    [][]byte
	speaking    bool
	silence     time.Duration
	received    int
	dirty       bool
	lastPartial time.Time
	failed      bool
	closing     bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
		meter:      otel.Meter("github.com/loqalabs/loqa-captions/stt"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSessionOpen, s.handleOpen},
		{protocol.SubjectSessionClose, s.handleClose},
		{protocol.SubjectAudioFramePrefix + ".>", s.handleFrame},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready = true
	s.log.Info("stt service ready", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) initMetrics() error {
	counter, err := s.meter.Int64Counter("loqa.stt.transcripts", metric.WithDescription("Transcripts published by kind"))
	if err != nil {
		return err
	}
	s.published = counter
	gauge, err := s.meter.Int64ObservableGauge("loqa.stt.sessions", metric.WithDescription("Open recognition sessions"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		s.mu.Lock()
		n := int64(len(s.sessions))
		s.mu.Unlock()
		obs.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	return err
}

func (s *Service) handleOpen(msg *nats.Msg) {
	var req protocol.SessionOpen
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.SessionAck{Error: "malformed session open"})
		return
	}
	switch req.Mode {
	case protocol.ModeTranscribe, protocol.ModeTranslate, protocol.ModeConversation:
	default:
		s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, Error: fmt.Sprintf("unsupported mode %q", req.Mode)})
		return
	}
	if req.SessionID == "" {
		s.respond(msg, protocol.SessionAck{Error: "session id required"})
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = s.cfg.SampleRate
	}
	if req.Channels <= 0 {
		req.Channels = s.cfg.Channels
	}
	if req.Language == "" {
		req.Language = s.cfg.Language
	}
	if req.Mode != protocol.ModeTranslate {
		req.Targets = nil
	}

	if s.ctx.Err() != nil {
		s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, Error: "service shutting down"})
		return
	}

	s.mu.Lock()
	if _, exists := s.sessions[req.SessionID]; !exists {
		state := &sessionState{
			open:    req,
			diarize: req.Mode == protocol.ModeConversation,
			wake:    make(chan struct{}, 1),
			arrived: make(chan struct{}, 1),
			finish:  make(chan chan struct{}),
		}
		s.sessions[req.SessionID] = state
		s.wg.Add(1)
		go s.runSession(state)
		s.log.Info("session opened",
			slog.String("session_id", req.SessionID),
			slog.String("mode", req.Mode),
			slog.String("language", req.Language),
			slog.Int("sample_rate", req.SampleRate),
			slog.Int("channels", req.Channels),
		)
	}
	s.mu.Unlock()
	s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, OK: true})
}

func (s *Service) handleClose(msg *nats.Msg) {
	var req protocol.SessionClose
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.SessionAck{Error: "malformed session close"})
		return
	}
	s.mu.Lock()
	state := s.sessions[req.SessionID]
	s.mu.Unlock()
	if state == nil {
		s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, OK: true})
		return
	}
	state.mu.Lock()
	already := state.closing
	state.closing = true
	state.mu.Unlock()
	if already || s.ctx.Err() != nil {
		s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, OK: true})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.awaitFrames(state, req.Frames)
		// The ack confirms the close was accepted; the closed transcript
		// follows once the last segment has been recognized.
		s.respond(msg, protocol.SessionAck{SessionID: req.SessionID, OK: true})
		done := make(chan struct{})
		select {
		case state.finish <- done:
		case <-s.ctx.Done():
			return
		}
		select {
		case <-done:
			s.log.Info("session closed", slog.String("session_id", req.SessionID))
		case <-s.ctx.Done():
		}
	}()
}

// awaitFrames waits until the session has received the number of frames the
// client reported, bounded by closeGrace.
func (s *Service) awaitFrames(state *sessionState, want int) {
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	for {
		state.mu.Lock()
		got := state.received
		state.mu.Unlock()
		if got >= want {
			return
		}
		select {
		case <-state.arrived:
		case <-timer.C:
			s.log.Warn("closing session with missing frames", slog.String("session_id", state.open.SessionID), slog.Int("received", got), slog.Int("expected", want))
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	s.mu.Unlock()
	if state == nil {
		s.log.Debug("dropping frame for unknown session", slog.String("session_id", frame.SessionID))
		return
	}

	state.mu.Lock()
	state.received++
	if !state.failed {
		s.segment(state, frame)
	}
	state.mu.Unlock()

	notify(state.arrived)
	notify(state.wake)
}

// segment appends a frame to the open segment and closes the segment on a
// final frame or after enough trailing silence. Leading silence is dropped.
// Caller holds state.mu.
func (s *Service) segment(state *sessionState, frame protocol.AudioFrame) {
	rate, channels := frame.SampleRate, frame.Channels
	if rate <= 0 {
		rate = state.open.SampleRate
	}
	if channels <= 0 {
		channels = state.open.Channels
	}

	loud := rms(frame.PCM) >= s.cfg.SilenceThreshold
	if loud {
		state.speaking = true
		state.silence = 0
	}
	if state.speaking && len(frame.PCM) > 0 {
		state.current = append(state.current, frame.PCM...)
		state.dirty = true
	}
	if !loud && state.speaking && s.cfg.SilenceMS > 0 && rate > 0 && channels > 0 {
		samples := len(frame.PCM) / 2 / channels
		state.silence += time.Duration(samples) * time.Second / time.Duration(rate)
		if state.silence >= time.Duration(s.cfg.SilenceMS)*time.Millisecond {
			state.closeSegment()
		}
	}
	if frame.Final {
		state.closeSegment()
	}
}

func (st *sessionState) closeSegment() {
	if len(st.current) > 0 {
		st.segments = append(st.segments, st.current)
	}
	st.current = nil
	st.speaking = false
	st.silence = 0
	st.dirty = false
	st.lastPartial = time.Time{}
}

func (s *Service) runSession(state *sessionState) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-state.wake:
			s.process(state, false)
		case done := <-state.finish:
			s.process(state, true)
			s.mu.Lock()
			if s.sessions[state.open.SessionID] == state {
				delete(s.sessions, state.open.SessionID)
			}
			s.mu.Unlock()
			s.publish(state.open.SessionID, protocol.Transcript{Kind: protocol.KindClosed})
			close(done)
			return
		}
	}
}

// process transcribes closed segments in order, then at most one throttled
// partial for the open segment. With flush the open segment is closed first.
func (s *Service) process(state *sessionState, flush bool) {
	state.mu.Lock()
	if flush {
		state.closeSegment()
	}
	segments := state.segments
	state.segments = nil
	var partial []byte
	if !flush && s.partialDue(state) {
		partial = append([]byte(nil), state.current...)
		state.dirty = false
		state.lastPartial = time.Now()
	}
	state.mu.Unlock()

	for _, seg := range segments {
		if !s.transcribeFinal(state, seg) {
			return
		}
	}
	if partial != nil {
		s.transcribePartial(state, partial)
	}
}

func (s *Service) partialDue(state *sessionState) bool {
	if !s.cfg.PublishInterim || state.diarize || state.failed || !state.dirty || len(state.current) == 0 {
		return false
	}
	if state.lastPartial.IsZero() {
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	return interval > 0 && time.Since(state.lastPartial) >= interval
}

func (s *Service) request(state *sessionState, pcm []byte, final bool) Request {
	return Request{
		PCM:        pcm,
		SampleRate: state.open.SampleRate,
		Channels:   state.open.Channels,
		Final:      final,
		Language:   state.open.Language,
		Targets:    state.open.Targets,
		Diarize:    state.diarize,
	}
}

func (s *Service) transcribeFinal(state *sessionState, pcm []byte) bool {
	ctx, cancel := context.WithTimeout(s.ctx, recognizeLimit)
	defer cancel()

	id := state.open.SessionID
	result, err := s.recognizer.Transcribe(ctx, s.request(state, pcm, true))
	if err != nil {
		s.log.Warn("stt transcription failed", slog.String("session_id", id), slogError(err))
		state.mu.Lock()
		state.failed = true
		state.current = nil
		state.segments = nil
		state.mu.Unlock()
		s.publish(id, protocol.Transcript{Kind: protocol.KindError, Error: err.Error()})
		return false
	}

	if state.diarize {
		turns := result.Turns
		if len(turns) == 0 && result.Text != "" {
			turns = []Turn{{Speaker: defaultSpeaker, Text: result.Text}}
		}
		for _, turn := range turns {
			if turn.Text == "" {
				continue
			}
			speaker := turn.Speaker
			if speaker == "" {
				speaker = defaultSpeaker
			}
			s.publish(id, protocol.Transcript{Kind: protocol.KindTurn, Text: turn.Text, SpeakerID: speaker, Confidence: result.Confidence})
		}
		return true
	}
	if result.Text != "" {
		s.publish(id, protocol.Transcript{
			Kind:         protocol.KindFinal,
			Text:         result.Text,
			Translations: result.Translations,
			Confidence:   result.Confidence,
		})
	}
	return true
}

func (s *Service) transcribePartial(state *sessionState, pcm []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, recognizeLimit)
	defer cancel()

	result, err := s.recognizer.Transcribe(ctx, s.request(state, pcm, false))
	if err != nil {
		s.log.Warn("stt partial transcription failed", slog.String("session_id", state.open.SessionID), slogError(err))
		return
	}
	if result.Text == "" {
		return
	}
	s.publish(state.open.SessionID, protocol.Transcript{
		Kind:         protocol.KindPartial,
		Text:         result.Text,
		Partial:      true,
		Translations: result.Translations,
		Confidence:   result.Confidence,
	})
}

func (s *Service) publish(sessionID string, msg protocol.Transcript) {
	msg.SessionID = sessionID
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.TranscriptSubject(msg.Kind, sessionID), data); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
		return
	}
	if s.published != nil {
		s.published.Add(s.ctx, 1, metric.WithAttributes(attribute.String("kind", msg.Kind)))
	}
}

func (s *Service) respond(msg *nats.Msg, ack protocol.SessionAck) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.log.Warn("failed to marshal ack", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", slogError(err))
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// rms returns the root mean square of 16-bit little-endian PCM in [0, 1].
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
