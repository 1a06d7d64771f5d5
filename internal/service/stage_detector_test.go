package service

import (
	"testing"

	"biomeai-go/internal/model"
)

func assistantMsg(content string) *model.Message {
	return &model.Message{Role: model.RoleAssistant, Content: content}
}

func userMsg(content string) *model.Message {
	return &model.Message{Role: model.RoleUser, Content: content}
}

func TestDetectPrefersExplicitStage(t *testing.T) {
	d := NewStageDetector()
	report := &model.Report{ConversationStage: model.StageAwaitingDietConfirmation}
	// 历史里带着摘要标记，但显式字段优先
	recent := []*model.Message{assistantMsg(summaryHeader + "all good")}

	if got := d.Detect(report, recent); got != model.StageAwaitingDietConfirmation {
		t.Fatalf("显式阶段字段应优先, got: %s", got)
	}
}

func TestDetectLegacyMarkers(t *testing.T) {
	d := NewStageDetector()
	report := &model.Report{ConversationStage: model.Stage("")} // 旧数据无阶段字段

	cases := []struct {
		content string
		want    model.Stage
	}{
		{summaryHeader + "Key findings...", model.StageSummaryDelivered},
		{"...\n\n**What digestive symptoms do you actually experience?** (or none if you feel great!)", model.StageAwaitingDigestiveConfirmation},
		{"...\n\n**Does this match?** How's your energy through a typical day?", model.StageAwaitingEnergyConfirmation},
		{"...\n\n**Is this accurate?** Tell me about your actual diet and any restrictions you have.", model.StageAwaitingDietConfirmation},
		{"Did you take any antibiotics around the time of the test?", model.StageAwaitingDateOrAntibiotics},
		{"When did you take this test? (Month & year is enough.)", model.StageAwaitingDateOrAntibiotics},
		{"Here are some probiotic-rich foods to try.", model.StageFreeformQA},
	}
	for _, c := range cases {
		recent := []*model.Message{userMsg("hi"), assistantMsg(c.content)}
		if got := d.Detect(report, recent); got != c.want {
			t.Fatalf("Detect(%q) = %s, want %s", c.content[:20], got, c.want)
		}
	}
}

func TestDetectSummaryMarkerMustBePrefix(t *testing.T) {
	d := NewStageDetector()
	report := &model.Report{ConversationStage: model.Stage("")}
	// 摘要标记出现在消息中段不算摘要
	recent := []*model.Message{assistantMsg("quote: " + summaryHeader + "...")}
	if got := d.Detect(report, recent); got != model.StageFreeformQA {
		t.Fatalf("非前缀的摘要标记不应判为摘要阶段, got: %s", got)
	}
}

func TestDetectNoAssistantMessages(t *testing.T) {
	d := NewStageDetector()
	report := &model.Report{ConversationStage: model.Stage("")}
	recent := []*model.Message{userMsg("[PDF Upload: report.pdf]")}
	if got := d.Detect(report, recent); got != model.StageAwaitingUpload {
		t.Fatalf("无助手消息应判为等待摄取, got: %s", got)
	}
}

func TestDetectScansMostRecentAssistantFirst(t *testing.T) {
	d := NewStageDetector()
	report := &model.Report{ConversationStage: model.Stage("")}
	recent := []*model.Message{
		assistantMsg("Did you take any antibiotics around the time of the test?"),
		userMsg("no antibiotics"),
		assistantMsg("...\n\n**Is this accurate?** Tell me about your actual diet and any restrictions you have."),
	}
	if got := d.Detect(report, recent); got != model.StageAwaitingDietConfirmation {
		t.Fatalf("应以最近的助手消息为准, got: %s", got)
	}
}
