package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/session"
)

const clearLine = "\r\033[K"

// renderer prints closed utterances once and keeps the open one on a single
// rewritten line.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	pending string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) render(entries []session.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for closed < len(entries) && entries[closed].Final {
		closed++
	}
	if closed < r.printed {
		r.printed = 0
	}

	var b strings.Builder
	if r.pending != "" {
		b.WriteString(clearLine)
	}
	for _, u := range entries[r.printed:closed] {
		b.WriteString(formatUtterance(u))
		b.WriteByte('\n')
	}
	r.printed = closed

	r.pending = ""
	if closed < len(entries) && entries[closed].Text != "" {
		r.pending = formatPartial(entries[closed])
		b.WriteString(r.pending)
	}
	_, _ = io.WriteString(r.out, b.String())
}

func (r *renderer) status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != "" {
		_, _ = io.WriteString(r.out, clearLine)
		r.pending = ""
	}
	fmt.Fprintf(r.out, "-- %s\n", msg)
}

// flush terminates a pending partial line.
func (r *renderer) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != "" {
		_, _ = io.WriteString(r.out, "\n")
		r.pending = ""
	}
}

func formatUtterance(u session.Utterance) string {
	var b strings.Builder
	if u.Speaker != "" {
		fmt.Fprintf(&b, "[%s] ", u.Speaker)
	}
	b.WriteString(u.Text)
	for _, t := range u.Translations {
		fmt.Fprintf(&b, "\n    %s: %s", t.LanguageLabel, t.Text)
	}
	return b.String()
}

func formatPartial(u session.Utterance) string {
	line := "… " + u.Text
	if len(u.Translations) > 0 && u.Translations[0].Text != "" {
		line += " / " + u.Translations[0].Text
	}
	return line
}
