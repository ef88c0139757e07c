// Package safety implements the synchronous danger keyword pre-filter applied
// to every inbound student message, and the out-of-band alert transport.
//
// The filter runs in addition to the LLM risk classification, never instead
// of it: a hit records an alert immediately, and the message still flows
// through the regular chat and insights path.
package safety

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultKeywords is the built-in danger keyword list (self-harm, suicide,
// violence). Matching ignores case and whitespace.
var DefaultKeywords = []string{
	"자살", "죽고 싶", "죽어버리", "살기 싫", "사라지고 싶",
	"자해", "손목", "목을 매", "뛰어내리",
	"죽여", "죽일", "살인", "폭력", "때리고 싶", "칼로",
	"극단적 선택",
	"suicide", "kill myself", "self-harm", "self harm", "want to die", "cut myself",
}

// ExcerptRunes bounds the message excerpt stored with an alert.
const ExcerptRunes = 200

// Option configures a Detector.
type Option func(*detectorConfig)

type detectorConfig struct {
	keywords []string
}

// WithKeywords replaces the keyword list.
func WithKeywords(words []string) Option {
	return func(c *detectorConfig) { c.keywords = words }
}

// WithExtraKeywords extends the keyword list.
func WithExtraKeywords(words ...string) Option {
	return func(c *detectorConfig) { c.keywords = append(c.keywords, words...) }
}

type keyword struct {
	display string
	folded  string
}

// Detector matches text against a fixed keyword list. Safe for concurrent use.
type Detector struct {
	keywords []keyword
}

// NewDetector builds a Detector; without options it uses DefaultKeywords.
func NewDetector(opts ...Option) *Detector {
	cfg := detectorConfig{keywords: append([]string(nil), DefaultKeywords...)}
	for _, o := range opts {
		o(&cfg)
	}

	seen := make(map[string]struct{}, len(cfg.keywords))
	d := &Detector{}
	for _, w := range cfg.keywords {
		f := fold(w)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		d.keywords = append(d.keywords, keyword{display: strings.TrimSpace(w), folded: f})
	}
	return d
}

// Match returns the keywords found in text, sorted, without duplicates.
func (d *Detector) Match(text string) []string {
	t := fold(text)
	if t == "" {
		return nil
	}
	var hits []string
	seen := map[string]struct{}{}
	for _, k := range d.keywords {
		if !strings.Contains(t, k.folded) {
			continue
		}
		if _, ok := seen[k.folded]; ok {
			continue
		}
		seen[k.folded] = struct{}{}
		hits = append(hits, k.display)
	}
	sort.Strings(hits)
	return hits
}

// Excerpt trims text to ExcerptRunes for storage in an alert.
func Excerpt(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= ExcerptRunes {
		return string(r)
	}
	return string(r[:ExcerptRunes])
}

// fold applies NFC, lowercases and drops whitespace so "죽고  싶다" and
// "죽고싶다" match the same keyword.
func fold(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
