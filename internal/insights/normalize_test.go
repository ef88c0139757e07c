package insights

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

func assertTitleMeta(t *testing.T, name string, m TitleMeta, max int) {
	t.Helper()
	if m.Title == "" {
		t.Fatalf("%s: empty title", name)
	}
	if n := utf8.RuneCountInString(m.Title); n > max {
		t.Fatalf("%s: title %q has %d runes > %d", name, m.Title, n, max)
	}
	if !m.RiskLevel.Valid() {
		t.Fatalf("%s: invalid risk %q", name, m.RiskLevel)
	}
}

func assertSummaryMeta(t *testing.T, name string, m SummaryMeta) {
	t.Helper()
	if !m.RiskLevel.Valid() {
		t.Fatalf("%s: invalid risk %q", name, m.RiskLevel)
	}
	if m.Summary == SummaryUnavailable {
		return
	}
	if n := utf8.RuneCountInString(m.Summary); n < SummaryMinRunes || n > SummaryMaxRunes {
		t.Fatalf("%s: summary length %d outside bounds", name, n)
	}
}

func TestNormalizer_MalformedInputsAlwaysPopulated(t *testing.T) {
	n := NewNormalizer()
	inputs := map[string]string{
		"empty":          "",
		"not json":       "죄송하지만 답변할 수 없습니다.",
		"fenced json":    "```json\n{\"title\":\"진로 고민\",\"risk_level\":\"stable\",\"summary\":\"요약\"}\n```",
		"fenced plain":   "```\n{\"title\":\"진로 고민\",\"riskLevel\":\"normal\"}\n```",
		"prose wrapped":  "결과입니다: {\"title\": \"친구 관계\", \"risk_level\": \"caution\"} 참고하세요.",
		"broken json":    "{\"title\": \"끝나지 않은",
		"null":           "null",
		"array":          "[1,2,3]",
		"wrong types":    `{"title": 42, "risk_level": true, "summary": ["a"]}`,
		"only braces":    "{}",
		"nested garbage": `{"title": {"x": 1}, "summary": null, "riskLevel": 7}`,
	}
	for name, raw := range inputs {
		assertTitleMeta(t, name, n.Title(raw, "첫 메시지", 20), 20)
		assertSummaryMeta(t, name, n.Summary(raw))
	}
}

func TestNormalizeRisk_Table(t *testing.T) {
	cases := []struct {
		in   any
		want domain.RiskLevel
	}{
		{"stable", domain.RiskStable},
		{"normal", domain.RiskNormal},
		{"caution", domain.RiskCaution},
		{"warn", domain.RiskCaution},
		{"high", domain.RiskCaution},
		{" WARN ", domain.RiskCaution},
		{"", domain.RiskNormal},
		{nil, domain.RiskNormal},
		{"weird", domain.RiskNormal},
		{3.0, domain.RiskNormal},
	}
	for _, tc := range cases {
		if got := NormalizeRisk(tc.in); got != tc.want {
			t.Fatalf("NormalizeRisk(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizer_BlankTitleWarnRisk(t *testing.T) {
	n := NewNormalizer()
	seed := "수학 시험이 너무 걱정돼요"
	m := n.Title(`{"title": "   ", "risk_level": "warn"}`, seed, 20)
	if m.Title != seed || !m.Fallback {
		t.Fatalf("expected fallback title %q, got %+v", seed, m)
	}
	if m.RiskLevel != domain.RiskCaution {
		t.Fatalf("expected caution, got %q", m.RiskLevel)
	}
}

func TestNormalizer_TitleFallbackWithoutSeed(t *testing.T) {
	m := NewNormalizer().Title("not json", "  ", 20)
	if m.Title != domain.UntitledTitle || m.RiskLevel != domain.RiskNormal {
		t.Fatalf("unexpected fallback: %+v", m)
	}
}

func TestNormalizer_TitleLenRule(t *testing.T) {
	n := NewNormalizer()
	cases := []struct {
		title string
		max   int
		ok    bool
	}{
		{"수학 고민", 5, true},
		{"수학 시험 고민", 5, false},
		{"아주 긴 제목이어도 괜찮아요", 0, true},
	}
	for _, tc := range cases {
		err := n.validate.Struct(TitleMeta{Title: tc.title, RiskLevel: domain.RiskNormal, maxRunes: tc.max})
		if (err == nil) != tc.ok {
			t.Fatalf("%q max=%d: err=%v", tc.title, tc.max, err)
		}
	}

	m := n.Title(`{"title":"영어 단어 외우기 너무 힘들어요","risk_level":"stable"}`, "seed", 6)
	if utf8.RuneCountInString(m.Title) > 6 || m.Fallback || m.RiskLevel != domain.RiskStable {
		t.Fatalf("capped model title expected, got %+v", m)
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{`"진로  고민"`, 20, "진로 고민"},
		{"`코드`  “따옴표”  '제목'", 20, "코드 따옴표 제목"},
		{"  \n여러\t줄\n제목  ", 20, "여러 줄 제목"},
		{strings.Repeat("가", 30), 20, strings.Repeat("가", 20)},
		{strings.Repeat("가", 30), 24, strings.Repeat("가", 24)},
		{"짧은 제목", 0, "짧은 제목"},
	}
	for _, tc := range cases {
		if got := SanitizeTitle(tc.in, tc.max); got != tc.want {
			t.Fatalf("SanitizeTitle(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestSanitizeTitle_NFC(t *testing.T) {
	// Decomposed jamo for "한" (U+1112 U+1161 U+11AB) composes to U+D55C.
	decomposed := "\u1112\u1161\u11ab"
	if got := SanitizeTitle(decomposed, 20); got != "\ud55c" {
		t.Fatalf("expected NFC composed title, got %q", got)
	}
}

func TestBoundSummary(t *testing.T) {
	short := BoundSummary("학생은 진로에 대해 고민하고 있습니다.")
	if n := utf8.RuneCountInString(short); n < SummaryMinRunes || n > SummaryMaxRunes {
		t.Fatalf("short summary not padded into bounds: %d", n)
	}
	if !strings.HasPrefix(short, "학생은 진로에 대해 고민하고 있습니다.") {
		t.Fatalf("padding must keep the original text first: %q", short)
	}

	long := BoundSummary(strings.Repeat("가", 500))
	if utf8.RuneCountInString(long) != SummaryMaxRunes {
		t.Fatalf("long summary not truncated to %d", SummaryMaxRunes)
	}

	exact := strings.Repeat("나", 250)
	if BoundSummary(exact) != exact {
		t.Fatalf("in-bounds summary must pass through unchanged")
	}

	if BoundSummary("   ") != SummaryUnavailable {
		t.Fatalf("blank summary should map to the sentinel")
	}
}

func TestNormalizer_SummaryFields(t *testing.T) {
	n := NewNormalizer()
	m := n.Summary(`{"summary": "친구 문제로 힘들어합니다.", "riskLevel": "high", "reason": "따돌림 언급"}`)
	if m.RiskLevel != domain.RiskCaution || m.Reason != "따돌림 언급" || m.Fallback {
		t.Fatalf("unexpected summary meta: %+v", m)
	}
	assertSummaryMeta(t, "fields", m)

	// snake_case wins when both spellings are present.
	m = n.Summary(`{"summary": "x", "risk_level": "stable", "riskLevel": "caution"}`)
	if m.RiskLevel != domain.RiskStable {
		t.Fatalf("expected risk_level to take precedence, got %q", m.RiskLevel)
	}

	m = n.Summary(`{"summary": 12, "riskLevel": "normal"}`)
	if m.Summary != SummaryUnavailable || !m.Fallback {
		t.Fatalf("non-string summary must map to the sentinel: %+v", m)
	}
}

func TestExtractJSON_Precedence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n``` and ```\n{\"b\":2}\n```": `{"a":1}`,
		"text ```\n{\"b\":2}\n``` more":                   `{"b":2}`,
		"prefix {\"c\":3} suffix":                         `{"c":3}`,
		"{\"d\":{\"e\":4}}":                               `{"d":{"e":4}}`,
		"no object here":                                  "{}",
		"} backwards {":                                   "{}",
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Fatalf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
