// Package session owns the single active recognition session of a client:
// mode switching, start/stop round trips, the display buffer and the optional
// local recording.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/wavfile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type State int

const (
	Idle State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var ErrInvalidModeTransition = errors.New("invalid mode transition")

// SessionError is a terminal failure of the active session.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Capture is the local recorder driven alongside the session.
type Capture interface {
	Start(ctx context.Context) error
	Stop() capture.Buffer
}

// Recording is a finished local recording encoded as WAV.
type Recording struct {
	SampleRate int
	Data       []byte
}

// FileName returns name with a .wav extension.
func (r *Recording) FileName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".wav") {
		return name
	}
	return name + ".wav"
}

type StartOptions struct {
	// Record captures the microphone locally while the session runs.
	Record bool
}

type Options struct {
	Dialer  recognition.Dialer
	Capture Capture
	Logger  *slog.Logger
	// OnChange receives a copy of the display buffer after every mutation.
	// It is called with the controller lock held and must not call back
	// into the controller.
	OnChange func([]Utterance)
	// OnError receives session errors and local capture failures.
	OnError func(error)
}

type Controller struct {
	dialer   recognition.Dialer
	capture  Capture
	log      *slog.Logger
	onChange func([]Utterance)
	onError  func(error)

	utterances metric.Int64Counter

	mu          sync.Mutex
	state       State
	mode        recognition.Mode
	session     recognition.Session
	generation  uint64
	configuring bool
	buffer      displayBuffer
	recording   bool
	// discardRecording is set by Clear while Starting; Start releases the
	// recorder once its subscription has settled.
	discardRecording bool
	started          chan struct{}
	aborted          chan struct{}
	failure          error
}

func NewController(opts Options) (*Controller, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session controller requires a dialer")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		dialer:   opts.Dialer,
		capture:  opts.Capture,
		log:      log.With(slog.String("component", "session-controller")),
		onChange: opts.OnChange,
		onError:  opts.OnError,
	}
	c.buffer.reset()

	counter, err := otel.Meter("github.com/loqalabs/loqa-captions/session").Int64Counter(
		"loqa.session.utterances",
		metric.WithDescription("Finalized utterances applied to the display buffer"),
	)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.utterances = counter
	}
	return c, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Mode() recognition.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Snapshot returns a copy of the display buffer.
func (c *Controller) Snapshot() []Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.snapshot()
}

// Configure replaces the current session with one bound to mode. A listening
// session is stopped first and its recording discarded.
func (c *Controller) Configure(ctx context.Context, mode recognition.Mode) error {
	c.mu.Lock()
	if c.state == Starting || c.state == Stopping || c.configuring {
		c.mu.Unlock()
		return fmt.Errorf("%w: configure while %s", ErrInvalidModeTransition, c.state)
	}
	c.configuring = true
	prev := c.session
	wasListening := c.state == Listening
	if wasListening {
		c.state = Stopping
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.configuring = false
		c.mu.Unlock()
	}()

	c.awaitAbort()
	if prev != nil {
		if wasListening {
			if err := prev.Stop(ctx); err != nil {
				c.log.Warn("failed to stop previous session", slogError(err))
			}
			c.releaseRecording()
		}
		if err := prev.Close(); err != nil {
			c.log.Warn("failed to close previous session", slogError(err))
		}
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.session = nil
	c.mode = mode
	c.state = Idle
	c.failure = nil
	c.buffer.reset()
	c.notifyLocked()
	c.mu.Unlock()

	sess, err := c.dialer.Dial(mode, &boundSink{c: c, gen: gen})
	if err != nil {
		serr := &SessionError{Op: "configure", Err: err}
		c.report(serr)
		return serr
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.log.Info("session configured", slog.String("mode", mode.Kind().String()), slog.String("session_id", sess.ID()))
	return nil
}

// Start opens the configured session. It is a no-op unless the controller is
// idle with a session configured.
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.awaitAbort()

	c.mu.Lock()
	if c.state != Idle || c.session == nil || c.configuring {
		c.mu.Unlock()
		return nil
	}
	c.state = Starting
	c.failure = nil
	c.discardRecording = false
	sess, gen := c.session, c.generation
	started := make(chan struct{})
	c.started = started
	record := opts.Record && c.capture != nil
	c.recording = record
	c.mu.Unlock()

	defer close(started)

	var recErr chan error
	if record {
		recErr = make(chan error, 1)
		go func() { recErr <- c.capture.Start(ctx) }()
	}

	openErr := sess.Start(ctx)

	if recErr != nil {
		if err := <-recErr; err != nil {
			c.log.Warn("local recording unavailable", slogError(err))
			c.mu.Lock()
			c.recording = false
			c.mu.Unlock()
			c.report(err)
		}
	}

	c.mu.Lock()
	discard := c.discardRecording
	c.discardRecording = false
	failure := c.failure
	c.failure = nil
	if openErr != nil || failure != nil || gen != c.generation {
		c.state = Idle
		c.recording = false
		c.mu.Unlock()
		if record {
			c.capture.Stop()
		}
		switch {
		case openErr != nil:
			serr := &SessionError{Op: "start", Err: openErr}
			c.report(serr)
			return serr
		case failure != nil:
			c.log.Warn("session failed while starting", slogError(failure))
			sess.Abort()
			c.report(failure)
			return failure
		default:
			sess.Abort()
			return nil
		}
	}
	c.state = Listening
	c.buffer.reset()
	c.notifyLocked()
	c.mu.Unlock()
	if discard && record {
		c.capture.Stop()
	}
	c.log.Info("session listening", slog.String("session_id", sess.ID()), slog.Bool("recording", record && !discard))
	return nil
}

// Stop closes the listening session and returns the local recording, if any
// samples were captured. Stop during Starting waits for the start first.
func (c *Controller) Stop(ctx context.Context) (*Recording, error) {
	c.mu.Lock()
	if c.state == Starting {
		started := c.started
		c.mu.Unlock()
		select {
		case <-started:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
	if c.state != Listening {
		c.mu.Unlock()
		return nil, nil
	}
	c.state = Stopping
	sess := c.session
	c.mu.Unlock()

	stopErr := sess.Stop(ctx)

	c.mu.Lock()
	recording := c.recording
	c.recording = false
	failure := c.failure
	c.failure = nil
	c.state = Idle
	c.mu.Unlock()

	var buf capture.Buffer
	if recording {
		buf = c.capture.Stop()
	}
	if failure != nil {
		return nil, failure
	}
	if stopErr != nil {
		serr := &SessionError{Op: "stop", Err: stopErr}
		c.report(serr)
		return nil, serr
	}
	c.log.Info("session stopped", slog.String("session_id", sess.ID()))
	if buf.Empty() {
		return nil, nil
	}
	data, err := wavfile.Export(buf.Frames, buf.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("export recording: %w", err)
	}
	return &Recording{SampleRate: buf.SampleRate, Data: data}, nil
}

// Clear resets the display buffer. A running local recording is stopped and
// its samples discarded.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.buffer.reset()
	c.notifyLocked()
	recording := c.recording
	c.recording = false
	if recording && c.state == Starting {
		// The recorder may still be subscribing; Start releases it.
		c.discardRecording = true
		recording = false
	}
	c.mu.Unlock()
	if recording {
		c.capture.Stop()
	}
}

// Close stops and disposes the current session.
func (c *Controller) Close(ctx context.Context) error {
	if _, err := c.Stop(ctx); err != nil {
		c.log.Warn("stop on close failed", slogError(err))
	}
	c.awaitAbort()
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.generation++
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (c *Controller) releaseRecording() {
	c.mu.Lock()
	recording := c.recording
	c.recording = false
	c.mu.Unlock()
	if recording {
		c.capture.Stop()
	}
}

func (c *Controller) awaitAbort() {
	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	if aborted != nil {
		<-aborted
	}
}

// apply runs fn against the buffer when the event belongs to the current
// session and the session is live.
func (c *Controller) apply(gen uint64, fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || (c.state != Listening && c.state != Stopping) {
		return
	}
	if fn() {
		c.notifyLocked()
	}
}

func (c *Controller) fail(gen uint64, err error) {
	serr := &SessionError{Op: "recognize", Err: err}
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case Starting:
		// Start reports it once the open round trip settles.
		c.failure = serr
		c.mu.Unlock()
		return
	case Stopping:
		c.failure = serr
		c.mu.Unlock()
		c.report(serr)
		return
	case Listening:
	default:
		c.mu.Unlock()
		return
	}
	c.state = Idle
	sess := c.session
	recording := c.recording
	c.recording = false
	aborted := make(chan struct{})
	c.aborted = aborted
	c.mu.Unlock()

	c.log.Warn("session failed", slogError(err))
	if recording {
		c.capture.Stop()
	}
	go func() {
		defer close(aborted)
		sess.Abort()
	}()
	c.report(serr)
}

func (c *Controller) translations(tr map[string]string) []Translation {
	if tr == nil {
		return nil
	}
	m, ok := c.mode.(recognition.Translate)
	if !ok {
		return nil
	}
	out := make([]Translation, 0, len(m.Targets))
	for _, t := range m.Targets {
		out = append(out, Translation{LanguageLabel: t.Label, Text: tr[t.Code]})
	}
	return out
}

func (c *Controller) notifyLocked() {
	if c.onChange != nil {
		c.onChange(c.buffer.snapshot())
	}
}

func (c *Controller) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) countUtterance(kind string) {
	if c.utterances != nil {
		c.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

type boundSink struct {
	c   *Controller
	gen uint64
}

func (s *boundSink) Partial(r recognition.Result) {
	s.c.apply(s.gen, func() bool {
		if s.c.mode.Kind() == recognition.KindConversation {
			return false
		}
		s.c.buffer.partial(r.Text, s.c.translations(r.Translations))
		return true
	})
}

func (s *boundSink) Final(r recognition.Result) {
	s.c.apply(s.gen, func() bool {
		if !s.c.buffer.final(r.Text, s.c.translations(r.Translations)) {
			return false
		}
		s.c.countUtterance("final")
		return true
	})
}

func (s *boundSink) Turn(t recognition.Turn) {
	s.c.apply(s.gen, func() bool {
		if !s.c.buffer.turn(t.Speaker, t.Text) {
			return false
		}
		s.c.countUtterance("turn")
		return true
	})
}

func (s *boundSink) Fail(err error) {
	s.c.fail(s.gen, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
