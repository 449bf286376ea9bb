package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/session"
)

func TestRendererPrintsClosedEntriesOnce(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	r.render([]session.Utterance{{Text: "こんに"}})
	r.render([]session.Utterance{{Text: "こんにちは"}})
	r.render([]session.Utterance{{Text: "こんにちは。", Final: true}, {}})
	r.render([]session.Utterance{{Text: "こんにちは。", Final: true}, {Text: "元気"}})
	r.flush()

	got := out.String()
	if strings.Count(got, "こんにちは。\n") != 1 {
		t.Fatalf("closed entry printed %d times in %q", strings.Count(got, "こんにちは。\n"), got)
	}
	if !strings.HasSuffix(got, "… 元気\n") {
		t.Fatalf("pending partial not flushed: %q", got)
	}
}

func TestRendererStartsOverAfterClear(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	r.render([]session.Utterance{{Text: "one", Final: true}, {Text: "two", Final: true}, {}})
	r.render([]session.Utterance{{}})
	out.Reset()
	r.render([]session.Utterance{{Text: "three", Final: true}, {}})
	if got := out.String(); got != "three\n" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatUtteranceWithSpeakerAndTranslations(t *testing.T) {
	u := session.Utterance{
		Text:         "hello",
		Speaker:      "Guest-1",
		Translations: []session.Translation{{LanguageLabel: "日本語", Text: "こんにちは"}},
		Final:        true,
	}
	want := "[Guest-1] hello\n    日本語: こんにちは"
	if got := formatUtterance(u); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMergedName(t *testing.T) {
	if got := mergedName("dir/meeting.wav", 8); got != "dir/meeting_8ch.wav" {
		t.Fatalf("got %q", got)
	}
}
