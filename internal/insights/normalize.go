package insights

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// Summary bounds in runes.
const (
	SummaryMinRunes = 200
	SummaryMaxRunes = 350
)

// SummaryUnavailable is the fixed summary used when the model produced none.
const SummaryUnavailable = "대화 요약을 생성하지 못했습니다. 잠시 후 다시 시도해 주세요."

// summaryContinuation pads short summaries up to SummaryMinRunes.
const summaryContinuation = " 이후 대화에서도 학생의 감정 변화와 고민의 흐름을 꾸준히 살펴보며, 필요할 때 따뜻한 관심과 대화로 함께해 주시면 좋겠습니다."

var (
	fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedAny  = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	spaceRun   = regexp.MustCompile(`\s+`)
)

// titleQuotes are stripped from titles wherever they appear.
const titleQuotes = "\"'`“”‘’「」『』«»"

// TitleMeta is the trusted output of a title+risk call.
type TitleMeta struct {
	Title     string           `validate:"required,title_len"`
	RiskLevel domain.RiskLevel `validate:"oneof=stable normal caution"`
	Fallback  bool             // Title came from the seed, not the model

	maxRunes int // cap checked by title_len; <= 0 means uncapped
}

// SummaryMeta is the trusted output of a summary call.
type SummaryMeta struct {
	Summary   string           `validate:"required,summary_len"`
	RiskLevel domain.RiskLevel `validate:"oneof=stable normal caution"`
	Reason    string
	Fallback  bool // Summary is SummaryUnavailable
}

// untrusted is the shape the model is asked for, decoded loosely. Every field
// is `any` so type mistakes are coerced instead of failing the decode.
type untrusted struct {
	Title          any `json:"title"`
	RiskLevel      any `json:"risk_level"`
	RiskLevelCamel any `json:"riskLevel"`
	Summary        any `json:"summary"`
	Reason         any `json:"reason"`
}

// Normalizer turns raw model text into fully populated metadata. It never
// returns an error: every malformed input degrades to documented fallbacks.
type Normalizer struct {
	validate *validator.Validate
}

// NewNormalizer builds a Normalizer with its validation rules registered.
func NewNormalizer() *Normalizer {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("summary_len", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == SummaryUnavailable {
			return true
		}
		n := utf8.RuneCountInString(s)
		return n >= SummaryMinRunes && n <= SummaryMaxRunes
	})
	_ = v.RegisterValidation("title_len", func(fl validator.FieldLevel) bool {
		limit := fl.Parent().FieldByName("maxRunes").Int()
		return limit <= 0 || int64(utf8.RuneCountInString(fl.Field().String())) <= limit
	})
	return &Normalizer{validate: v}
}

// Title normalizes a title+risk response. seed feeds the fallback title and
// maxRunes caps the result.
func (n *Normalizer) Title(raw, seed string, maxRunes int) TitleMeta {
	p, ok := decodeUntrusted(raw)
	if !ok {
		return n.FallbackTitle(seed, maxRunes)
	}

	m := TitleMeta{RiskLevel: riskFrom(p), maxRunes: maxRunes}
	if s, isStr := p.Title.(string); isStr {
		m.Title = SanitizeTitle(s, maxRunes)
	}
	if m.Title == "" {
		m.Title = fallbackTitle(seed, maxRunes)
		m.Fallback = true
	}
	if err := n.validate.Struct(m); err != nil {
		return n.FallbackTitle(seed, maxRunes)
	}
	return m
}

// FallbackTitle is the result used when the title call failed or its output
// could not be parsed.
func (n *Normalizer) FallbackTitle(seed string, maxRunes int) TitleMeta {
	return TitleMeta{Title: fallbackTitle(seed, maxRunes), RiskLevel: domain.RiskNormal, Fallback: true, maxRunes: maxRunes}
}

// Summary normalizes a summary+risk response.
func (n *Normalizer) Summary(raw string) SummaryMeta {
	p, ok := decodeUntrusted(raw)
	if !ok {
		return SummaryMeta{Summary: SummaryUnavailable, RiskLevel: domain.RiskNormal, Fallback: true}
	}

	m := SummaryMeta{RiskLevel: riskFrom(p)}
	if s, isStr := p.Summary.(string); isStr {
		m.Summary = BoundSummary(s)
	} else {
		m.Summary = SummaryUnavailable
	}
	m.Fallback = m.Summary == SummaryUnavailable
	if s, isStr := p.Reason.(string); isStr {
		m.Reason = strings.TrimSpace(norm.NFC.String(s))
	}
	if err := n.validate.Struct(m); err != nil {
		return SummaryMeta{Summary: SummaryUnavailable, RiskLevel: m.RiskLevel, Fallback: true}
	}
	return m
}

// ExtractJSON pulls the JSON object out of model text: a ```json fence first,
// then any ``` fence, then the span from the first '{' to the last '}'. It
// returns "{}" when none of those exist.
func ExtractJSON(raw string) string {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s
		}
	}
	if m := fencedAny.FindStringSubmatch(raw); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return "{}"
}

// NormalizeRisk maps any value onto the three risk levels. Legacy warn/high
// become caution; anything unrecognized becomes normal.
func NormalizeRisk(v any) domain.RiskLevel {
	s, ok := v.(string)
	if !ok {
		return domain.RiskNormal
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stable":
		return domain.RiskStable
	case "normal":
		return domain.RiskNormal
	case "caution", "warn", "high":
		return domain.RiskCaution
	}
	return domain.RiskNormal
}

// SanitizeTitle strips quotes and backticks, collapses whitespace, applies NFC
// and caps the result to maxRunes (<= 0 means no cap).
func SanitizeTitle(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(titleQuotes, r) {
			return -1
		}
		return r
	}, s)
	s = norm.NFC.String(s)
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
	if maxRunes > 0 {
		s = strings.TrimSpace(clipRunes(s, maxRunes))
	}
	return s
}

// BoundSummary pads or truncates s into [SummaryMinRunes, SummaryMaxRunes].
// Blank input yields SummaryUnavailable.
func BoundSummary(s string) string {
	s = strings.TrimSpace(spaceRun.ReplaceAllString(norm.NFC.String(s), " "))
	if s == "" {
		return SummaryUnavailable
	}
	for utf8.RuneCountInString(s) < SummaryMinRunes {
		s += summaryContinuation
	}
	return clipRunes(s, SummaryMaxRunes)
}

func decodeUntrusted(raw string) (untrusted, bool) {
	var p untrusted
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &p); err != nil {
		return untrusted{}, false
	}
	return p, true
}

func riskFrom(p untrusted) domain.RiskLevel {
	if s, ok := p.RiskLevel.(string); ok && strings.TrimSpace(s) != "" {
		return NormalizeRisk(s)
	}
	return NormalizeRisk(p.RiskLevelCamel)
}

func fallbackTitle(seed string, maxRunes int) string {
	if t := SanitizeTitle(seed, maxRunes); t != "" {
		return t
	}
	return domain.UntitledTitle
}
