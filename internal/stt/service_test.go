package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/wavfile"
	"github.com/nats-io/nats.go"
)

const frameSamples = 1024

type harness struct {
	t       *testing.T
	client  *bus.Client
	service *Service
}

func newHarness(t *testing.T, cfg config.STTConfig, recognizer Recognizer) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "stt-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	service := NewService(context.Background(), cfg, client, recognizer)
	if err := service.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(service.Close)
	return &harness{t: t, client: client, service: service}
}

func testConfig() config.STTConfig {
	cfg := config.Default().STT
	cfg.SilenceMS = 0
	cfg.SilenceThreshold = 0
	cfg.PartialEveryMS = 0
	return cfg
}

func (h *harness) subscribe(sessionID string) <-chan *nats.Msg {
	h.t.Helper()
	ch := make(chan *nats.Msg, 256)
	sub, err := h.client.Conn().ChanSubscribe(protocol.TranscriptWildcard(sessionID), ch)
	if err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.client.Conn().Flush(); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
	return ch
}

func (h *harness) request(subject string, payload any) protocol.SessionAck {
	h.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	msg, err := h.client.Conn().Request(subject, data, 5*time.Second)
	if err != nil {
		h.t.Fatalf("request %s: %v", subject, err)
	}
	var ack protocol.SessionAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		h.t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func (h *harness) open(req protocol.SessionOpen) {
	h.t.Helper()
	if ack := h.request(protocol.SubjectSessionOpen, req); !ack.OK {
		h.t.Fatalf("open rejected: %s", ack.Error)
	}
}

func (h *harness) frame(sessionID string, seq int, level float32, final bool) {
	h.t.Helper()
	samples := make([]float32, frameSamples)
	for i := range samples {
		samples[i] = level
	}
	data, err := json.Marshal(protocol.AudioFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: 16000,
		Channels:   1,
		PCM:        wavfile.PCM16(samples),
		Final:      final,
	})
	if err != nil {
		h.t.Fatalf("marshal frame: %v", err)
	}
	if err := h.client.Conn().Publish(protocol.AudioFrameSubject(sessionID), data); err != nil {
		h.t.Fatalf("publish frame: %v", err)
	}
}

// collect reads transcripts until the closed marker.
func collect(t *testing.T, ch <-chan *nats.Msg) []protocol.Transcript {
	t.Helper()
	var out []protocol.Transcript
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-ch:
			var tr protocol.Transcript
			if err := json.Unmarshal(msg.Data, &tr); err != nil {
				t.Fatalf("decode transcript: %v", err)
			}
			out = append(out, tr)
			if tr.Kind == protocol.KindClosed {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for closed, got %+v", out)
		}
	}
}

func kinds(ts []protocol.Transcript) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Kind
	}
	return out
}

func TestTranscribeSessionPublishesFinalAfterPartials(t *testing.T) {
	h := newHarness(t, testConfig(), NewMockRecognizer())
	ch := h.subscribe("s1")
	h.open(protocol.SessionOpen{SessionID: "s1", Mode: protocol.ModeTranscribe, Language: "ja-JP", SampleRate: 16000, Channels: 1})
	for i := 0; i < 3; i++ {
		h.frame("s1", i, 0.5, false)
	}
	if ack := h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "s1", Frames: 3}); !ack.OK {
		t.Fatalf("close rejected: %s", ack.Error)
	}

	got := collect(t, ch)
	n := len(got)
	if n < 2 || got[n-2].Kind != protocol.KindFinal {
		t.Fatalf("expected final before closed, got %v", kinds(got))
	}
	if want := fmt.Sprintf("[final transcript length=%d]", 3*frameSamples*2); got[n-2].Text != want {
		t.Fatalf("final text %q, want %q", got[n-2].Text, want)
	}
	for _, tr := range got[:n-2] {
		if tr.Kind != protocol.KindPartial || !tr.Partial {
			t.Fatalf("unexpected transcript before final: %+v", tr)
		}
		if tr.SessionID != "s1" {
			t.Fatalf("unexpected session id %q", tr.SessionID)
		}
	}
}

func TestTranslateSessionCarriesTranslations(t *testing.T) {
	cfg := testConfig()
	cfg.PublishInterim = false
	h := newHarness(t, cfg, NewMockRecognizer())
	ch := h.subscribe("tr")
	h.open(protocol.SessionOpen{SessionID: "tr", Mode: protocol.ModeTranslate, Language: "en-US", Targets: []string{"ja", "fr"}})
	h.frame("tr", 0, 0.25, true)
	h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "tr", Frames: 1})

	got := collect(t, ch)
	if len(got) != 2 || got[0].Kind != protocol.KindFinal {
		t.Fatalf("expected final then closed, got %v", kinds(got))
	}
	tr := got[0].Translations
	if len(tr) != 2 || tr["ja"] != "[ja] "+got[0].Text || tr["fr"] != "[fr] "+got[0].Text {
		t.Fatalf("unexpected translations %v", tr)
	}
}

func TestConversationSessionPublishesTurnsOnly(t *testing.T) {
	h := newHarness(t, testConfig(), NewMockRecognizer())
	ch := h.subscribe("room-1")
	h.open(protocol.SessionOpen{SessionID: "room-1", Mode: protocol.ModeConversation, Language: "ja-JP", SampleRate: 16000, Channels: 1})
	h.frame("room-1", 0, 0.5, false)
	h.frame("room-1", 1, 0.5, true)
	h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "room-1", Frames: 2})

	got := collect(t, ch)
	if len(got) != 2 || got[0].Kind != protocol.KindTurn {
		t.Fatalf("expected one turn then closed, got %v", kinds(got))
	}
	if got[0].SpeakerID != defaultSpeaker {
		t.Fatalf("unexpected speaker %q", got[0].SpeakerID)
	}
}

func TestSilenceClosesSegment(t *testing.T) {
	cfg := testConfig()
	cfg.PublishInterim = false
	cfg.SilenceMS = 100
	cfg.SilenceThreshold = 0.01
	h := newHarness(t, cfg, NewMockRecognizer())
	ch := h.subscribe("quiet")
	h.open(protocol.SessionOpen{SessionID: "quiet", Mode: protocol.ModeTranscribe, SampleRate: 16000, Channels: 1})

	h.frame("quiet", 0, 0, false)
	h.frame("quiet", 1, 0.5, false)
	h.frame("quiet", 2, 0, false)
	h.frame("quiet", 3, 0, false)
	h.frame("quiet", 4, 0.5, false)
	h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "quiet", Frames: 5})

	got := collect(t, ch)
	if len(got) != 3 || got[0].Kind != protocol.KindFinal || got[1].Kind != protocol.KindFinal {
		t.Fatalf("expected two finals then closed, got %v", kinds(got))
	}
	if want := fmt.Sprintf("[final transcript length=%d]", 3*frameSamples*2); got[0].Text != want {
		t.Fatalf("first segment %q, want %q", got[0].Text, want)
	}
	if want := fmt.Sprintf("[final transcript length=%d]", frameSamples*2); got[1].Text != want {
		t.Fatalf("second segment %q, want %q", got[1].Text, want)
	}
}

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, Request) (TranscriptResult, error) {
	return TranscriptResult{}, errors.New("model crashed")
}

func TestRecognizerFailurePublishesError(t *testing.T) {
	cfg := testConfig()
	cfg.PublishInterim = false
	h := newHarness(t, cfg, failingRecognizer{})
	ch := h.subscribe("bad")
	h.open(protocol.SessionOpen{SessionID: "bad", Mode: protocol.ModeTranscribe})
	h.frame("bad", 0, 0.5, true)
	h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "bad", Frames: 1})

	got := collect(t, ch)
	if len(got) != 2 || got[0].Kind != protocol.KindError || got[0].Error == "" {
		t.Fatalf("expected error then closed, got %+v", got)
	}
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	h := newHarness(t, testConfig(), NewMockRecognizer())
	ack := h.request(protocol.SubjectSessionOpen, protocol.SessionOpen{SessionID: "x", Mode: "karaoke"})
	if ack.OK || ack.Error == "" {
		t.Fatalf("expected rejection, got %+v", ack)
	}
}

func TestCloseUnknownSessionIsAcknowledged(t *testing.T) {
	h := newHarness(t, testConfig(), NewMockRecognizer())
	if ack := h.request(protocol.SubjectSessionClose, protocol.SessionClose{SessionID: "ghost"}); !ack.OK {
		t.Fatalf("expected ok, got %+v", ack)
	}
}

func TestRMS(t *testing.T) {
	if got := rms(nil); got != 0 {
		t.Fatalf("rms(nil) = %v", got)
	}
	loud := wavfile.PCM16([]float32{0.5, -0.5, 0.5, -0.5})
	if got := rms(loud); got < 0.49 || got > 0.51 {
		t.Fatalf("rms = %v, want ~0.5", got)
	}
}
