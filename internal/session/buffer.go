package session

// Translation is one rendered translation of an utterance.
type Translation struct {
	LanguageLabel string `json:"language_label"`
	Text          string `json:"text"`
}

// Utterance is one entry of the display buffer. The trailing entry is open
// (Final false) and receives partial results.
type Utterance struct {
	Text         string        `json:"text"`
	Translations []Translation `json:"translations,omitempty"`
	Speaker      string        `json:"speaker,omitempty"`
	Final        bool          `json:"final"`
}

type displayBuffer struct {
	entries []Utterance
}

func (b *displayBuffer) reset() {
	b.entries = []Utterance{{}}
}

func (b *displayBuffer) open() *Utterance {
	if n := len(b.entries); n > 0 && !b.entries[n-1].Final {
		return &b.entries[n-1]
	}
	b.entries = append(b.entries, Utterance{})
	return &b.entries[len(b.entries)-1]
}

// partial overwrites the open entry. Translations are kept when none are
// supplied.
func (b *displayBuffer) partial(text string, translations []Translation) {
	u := b.open()
	u.Text = text
	if translations != nil {
		u.Translations = translations
	}
}

// final closes the open entry and opens a new one. Empty results are dropped.
func (b *displayBuffer) final(text string, translations []Translation) bool {
	if text == "" {
		return false
	}
	u := b.open()
	u.Text = text
	if translations != nil {
		u.Translations = translations
	}
	u.Final = true
	b.entries = append(b.entries, Utterance{})
	return true
}

// turn inserts a closed, attributed entry ahead of the open entry.
func (b *displayBuffer) turn(speaker, text string) bool {
	if text == "" {
		return false
	}
	b.open()
	last := len(b.entries) - 1
	b.entries = append(b.entries[:last], Utterance{Text: text, Speaker: speaker, Final: true}, b.entries[last])
	return true
}

func (b *displayBuffer) snapshot() []Utterance {
	out := make([]Utterance, len(b.entries))
	for i, u := range b.entries {
		out[i] = u
		if u.Translations != nil {
			out[i].Translations = append([]Translation(nil), u.Translations...)
		}
	}
	return out
}
