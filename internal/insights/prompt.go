package insights

import (
	"fmt"
	"strings"

	"github.com/tbourn/mentor-chat-backend/internal/domain"
)

// Speaker labels used when rendering a transcript.
const (
	SpeakerStudent = "학생"
	SpeakerMentor  = "멘토"
)

// riskRubric is embedded verbatim in every prompt so the model sees the same
// wording on every call.
const riskRubric = `위험도 기준:
- stable: 정서적으로 안정되어 있고 일상적인 학습·진로 이야기를 나누는 상태
- normal: 가벼운 스트레스, 고민, 걱정이 보이지만 스스로 감당할 수 있는 상태
- caution: 자해·자살 암시, 폭력, 심한 우울·불안, 괴롭힘 피해 등 보호자의 관심이 필요한 상태`

// BuildTitlePrompt asks for a short title and a risk level. When currentTitle is
// already set the model is told to return it unchanged.
func BuildTitlePrompt(turns []Turn, currentTitle string, maxRunes int) string {
	var b strings.Builder
	b.WriteString("당신은 학생과 멘토의 대화를 분석해 보호자 대시보드에 표시할 제목을 만드는 도우미입니다.\n")
	fmt.Fprintf(&b, "대화의 핵심 주제를 %d자 이내의 한국어 제목으로 만들고 위험도를 분류하세요.\n", maxRunes)
	b.WriteString("따옴표, 이모지, 마침표를 쓰지 마세요.\n\n")
	b.WriteString(riskRubric)
	b.WriteString("\n\n")

	if t := strings.TrimSpace(currentTitle); t != "" && t != domain.UntitledTitle {
		fmt.Fprintf(&b, "현재 제목은 %q 입니다. 현재 제목이 있으면 바꾸지 말고 그대로 title에 돌려주세요.\n\n", t)
	}

	b.WriteString("대화:\n")
	writeTranscript(&b, turns)

	b.WriteString("\n반드시 아래 JSON 형식으로만 답하세요. 다른 설명은 쓰지 마세요.\n")
	b.WriteString(`{"title": "제목", "risk_level": "stable|normal|caution"}`)
	return b.String()
}

// BuildSummaryPrompt asks for a 200 to 350 character summary, a risk level and
// an optional reason.
func BuildSummaryPrompt(turns []Turn) string {
	var b strings.Builder
	b.WriteString("당신은 학생과 멘토의 대화를 보호자에게 전달할 요약을 작성하는 도우미입니다.\n")
	fmt.Fprintf(&b, "대화 내용을 %d자 이상 %d자 이하의 한국어 문단으로 요약하고 위험도를 분류하세요.\n", SummaryMinRunes, SummaryMaxRunes)
	b.WriteString("학생의 개인정보는 그대로 옮기지 말고, 보호자가 알아야 할 정서 상태와 주요 고민을 중심으로 쓰세요.\n\n")
	b.WriteString(riskRubric)
	b.WriteString("\n\n대화:\n")
	writeTranscript(&b, turns)

	b.WriteString("\n반드시 아래 JSON 형식으로만 답하세요. 다른 설명은 쓰지 마세요.\n")
	b.WriteString(`{"summary": "요약", "riskLevel": "stable|normal|caution", "reason": "위험도 판단 근거"}`)
	return b.String()
}

func writeTranscript(b *strings.Builder, turns []Turn) {
	for i, t := range turns {
		fmt.Fprintf(b, "%d. %s: %s\n", i+1, speaker(t.Role), strings.TrimSpace(t.Content))
	}
}

func speaker(role string) string {
	if role == domain.RoleModel {
		return SpeakerMentor
	}
	return SpeakerStudent
}
