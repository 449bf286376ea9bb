// Package language holds the fixed table of translation targets and the
// source-language patterns offered by the client.
package language

import "strings"

// Lang is a translation target: a display label and a service language code.
type Lang struct {
	Label string `json:"label"`
	Code  string `json:"code"`
}

// Pattern is a selectable translation mode: one spoken source locale
// translated into every other known language.
type Pattern struct {
	ID        string
	FromLabel string
	From      string
	To        []Lang
}

var targets = []Lang{
	{Label: "日本語", Code: "ja"},
	{Label: "英語", Code: "en"},
	{Label: "ポルトガル語 (ブラジル)", Code: "pt"},
	{Label: "スペイン語", Code: "es"},
	{Label: "ヒンディー語", Code: "hi"},
	{Label: "中国語 (繁体字)", Code: "zh-Hant"},
	{Label: "中国語 (標準、簡体字)", Code: "zh-Hans"},
	{Label: "ドイツ語", Code: "de"},
	{Label: "フランス語", Code: "fr"},
}

var sources = []struct {
	id, label, locale, code string
}{
	{"1", "日本語", "ja-JP", "ja"},
	{"2", "英語", "en-US", "en"},
	{"3", "ポルトガル語(ブラジル)", "pt-BR", "pt"},
	{"4", "スペイン語", "es-ES", "es"},
	{"5", "ヒンディー語", "hi-IN", "hi"},
	{"6", "中国語 (繁体字)", "zh-HK", "zh-Hant"},
	{"7", "中国語 (標準、簡体字)", "zh-CN", "zh-Hans"},
	{"8", "ドイツ語", "de-DE", "de"},
	{"9", "フランス語", "fr-FR", "fr"},
}

// Targets returns every known translation target in display order.
func Targets() []Lang {
	return append([]Lang(nil), targets...)
}

// Except returns the targets without the given language code.
func Except(code string) []Lang {
	out := make([]Lang, 0, len(targets))
	for _, l := range targets {
		if l.Code != code {
			out = append(out, l)
		}
	}
	return out
}

// Patterns returns the translation patterns in menu order.
func Patterns() []Pattern {
	out := make([]Pattern, 0, len(sources))
	for _, s := range sources {
		out = append(out, Pattern{ID: s.id, FromLabel: s.label, From: s.locale, To: Except(s.code)})
	}
	return out
}

// PatternByID looks a pattern up by its menu id.
func PatternByID(id string) (Pattern, bool) {
	for _, p := range Patterns() {
		if p.ID == id {
			return p, true
		}
	}
	return Pattern{}, false
}

// PatternFor looks a pattern up by source locale, case-insensitively.
func PatternFor(locale string) (Pattern, bool) {
	for _, p := range Patterns() {
		if strings.EqualFold(p.From, locale) {
			return p, true
		}
	}
	return Pattern{}, false
}

// LabelOf returns the display label for a target code, or the code itself.
func LabelOf(code string) string {
	for _, l := range targets {
		if l.Code == code {
			return l.Label
		}
	}
	return code
}

// Codes extracts the language codes in order.
func Codes(langs []Lang) []string {
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = l.Code
	}
	return out
}
