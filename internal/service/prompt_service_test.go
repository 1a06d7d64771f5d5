package service

import (
	"fmt"
	"strings"
	"testing"

	"biomeai-go/internal/config"
	"biomeai-go/internal/model"

	"gorm.io/datatypes"
)

func testPromptBuilder() *PromptBuilder {
	return NewPromptBuilder(
		config.LLMGenerationConfig{Temperature: 0.7, PredictionMaxTokens: 400},
		config.IngestConfig{HistoryWindow: 4},
	)
}

func TestPredictionMessagesCapped(t *testing.T) {
	b := testPromptBuilder()
	report := &model.Report{Metadata: datatypes.JSONMap{"antibiotics_response": "none recently"}}

	messages, gen := b.PredictionMessages(model.StageAwaitingDateOrAntibiotics, report, []string{"Bacteroides elevated"})

	if len(messages) != 2 {
		t.Fatalf("预测提示应为 system+user 两条, got: %d", len(messages))
	}
	if messages[0].Role != "system" || !strings.Contains(messages[0].Content, "BiomeAI") {
		t.Fatalf("第一条应为系统指令: %+v", messages[0])
	}
	if !strings.Contains(messages[1].Content, "Recent antibiotics: none recently") {
		t.Fatalf("用户消息应包含生活方式背景: %q", messages[1].Content)
	}
	if !strings.Contains(messages[1].Content, "Report Section: Bacteroides elevated") {
		t.Fatalf("用户消息应包含检索上下文: %q", messages[1].Content)
	}
	if gen == nil || gen.MaxTokens == nil || *gen.MaxTokens != 400 {
		t.Fatalf("预测阶段应限制输出长度: %+v", gen)
	}
}

func TestSummaryMessagesUncapped(t *testing.T) {
	b := testPromptBuilder()
	report := &model.Report{Metadata: datatypes.JSONMap{
		"diet_response":     "mostly vegetarian",
		"symptoms_response": "occasional bloating",
	}}
	history := []*model.Message{
		{Role: model.RoleAssistant, Content: "Did you take any antibiotics?"},
		{Role: model.RoleUser, Content: "no"},
	}

	messages, gen := b.SummaryMessages(report, []string{"chunk one"}, history)

	if gen != nil {
		t.Fatalf("摘要不应限制生成参数: %+v", gen)
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "executive summary") {
		t.Fatalf("末条应为摘要指令: %+v", last)
	}
	if !strings.Contains(last.Content, "Diet: mostly vegetarian") {
		t.Fatalf("摘要指令应包含饮食背景: %q", last.Content)
	}
	// 历史轮次应夹在系统指令与摘要指令之间
	if messages[1].Content != "Did you take any antibiotics?" || messages[2].Content != "no" {
		t.Fatalf("历史轮次顺序错误: %+v", messages)
	}
}

func TestQAMessagesHistoryWindow(t *testing.T) {
	b := testPromptBuilder() // 窗口为 4
	var history []*model.Message
	for i := 0; i < 10; i++ {
		history = append(history, &model.Message{Role: model.RoleUser, Content: fmt.Sprintf("msg-%d", i)})
	}

	messages, gen := b.QAMessages([]string{"ctx"}, history, "what about fiber?")

	if gen != nil {
		t.Fatalf("问答不应限制生成参数: %+v", gen)
	}
	// system + context + 4 条历史 + 问题
	if len(messages) != 7 {
		t.Fatalf("消息数量应为 7, got: %d", len(messages))
	}
	if messages[2].Content != "msg-6" {
		t.Fatalf("历史窗口应只保留最近 4 条, 首条: %q", messages[2].Content)
	}
	if messages[len(messages)-1].Content != "what about fiber?" {
		t.Fatalf("末条应为用户问题: %+v", messages[len(messages)-1])
	}
}

func TestQAMessagesNoChunks(t *testing.T) {
	b := testPromptBuilder()
	messages, _ := b.QAMessages(nil, nil, "hello")
	if len(messages) != 2 {
		t.Fatalf("无上下文时应为 system+question 两条, got: %d", len(messages))
	}
}

func TestSeedQueryPerStage(t *testing.T) {
	if SeedQuery(model.StageAwaitingDateOrAntibiotics) != "diet microbiome bacteria" {
		t.Fatal("抗生素阶段的种子语句应指向饮食预测")
	}
	if SeedQuery(model.StageFreeformQA) != "" {
		t.Fatal("自由问答不应有种子语句")
	}
}

func TestLifestyleContextEmpty(t *testing.T) {
	if got := lifestyleContext(nil); got != "No additional lifestyle information provided." {
		t.Fatalf("空元数据应返回占位文案, got: %q", got)
	}
}
