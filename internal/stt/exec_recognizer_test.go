package stt

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestExecRecognizerArgs(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: `whisper-cli --threads 2`, ModelPath: "/models/base.bin", Language: "ja-JP"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	er := r.(*execRecognizer)

	got := strings.Join(er.args("/tmp/a.wav", Request{Final: false, Targets: []string{"en", "fr"}}), " ")
	want := "--threads 2 --audio /tmp/a.wav --model /models/base.bin --language ja-JP --partial --translate en,fr"
	if got != want {
		t.Fatalf("args = %q\nwant %q", got, want)
	}

	got = strings.Join(er.args("/tmp/b.wav", Request{Final: true, Language: "en-US", Diarize: true}), " ")
	want = "--threads 2 --audio /tmp/b.wav --model /models/base.bin --language en-US --diarize"
	if got != want {
		t.Fatalf("args = %q\nwant %q", got, want)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecRecognizerDecodesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "fake-stt.sh")
	body := "#!/bin/sh\n" +
		`echo '{"text":"hello","confidence":0.9,"translations":{"ja":"こんにちは"},"turns":[{"speaker":"Guest-2","text":"hello"}]}'` + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	r, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{PCM: make([]byte, 64), SampleRate: 16000, Channels: 1, Final: true})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello" || res.Translations["ja"] != "こんにちは" || len(res.Turns) != 1 || res.Turns[0].Speaker != "Guest-2" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerRejectsOddPCM(t *testing.T) {
	r, err := NewExecRecognizer(config.STTConfig{Command: "true"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if _, err := r.Transcribe(context.Background(), Request{PCM: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected alignment error")
	}
}
