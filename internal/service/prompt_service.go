// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"strings"

	"biomeai-go/internal/config"
	"biomeai-go/internal/model"
	"biomeai-go/pkg/llm"
)

// systemPrompt 是所有问答轮次共用的系统指令。
const systemPrompt = `You are BiomeAI, an expert microbiome analyst assistant. Provide concise, actionable insights from microbiome reports.

Response guidelines:
- Keep responses under 800 characters when possible
- Use bullet points for key findings
- Focus on 2-3 main insights per response
- Be direct and specific
- Ask one focused follow-up question
- Reference specific data from their report

Format your responses:
• Key Finding: [specific insight]
• Recommendation: [actionable step]
• Question: [one relevant follow-up]

Stay concise, accurate, and always suggest consulting healthcare providers for medical decisions.`

// 各预测阶段的检索种子语句：在用户提出任何问题之前，
// 用固定的主题语句检索报告中最相关的段落作为生成依据。
var stageSeedQueries = map[model.Stage]string{
	model.StageAwaitingDateOrAntibiotics:     "diet microbiome bacteria",
	model.StageAwaitingDietConfirmation:      "energy fatigue metabolism bacteria",
	model.StageAwaitingEnergyConfirmation:    "digestive symptoms bloating bacteria",
	model.StageAwaitingDigestiveConfirmation: "overall microbiome health summary",
}

// SeedQuery 返回处于给定阶段时下一条助手消息的检索种子语句。
// 自由问答阶段使用用户原话检索，不走种子。
func SeedQuery(stage model.Stage) string {
	return stageSeedQueries[stage]
}

// 各预测阶段的生成指令模板。
var stagePredictionPrompts = map[model.Stage]string{
	model.StageAwaitingDateOrAntibiotics:  `Based on the gut bacteria composition in the report sections below, predict what this person typically eats. Name 3-4 specific dietary patterns (e.g. high fiber, frequent dairy, low fermented foods) and tie each to a bacterial signal from the report. Keep it under 600 characters.`,
	model.StageAwaitingDietConfirmation:   `Based on the microbiome profile in the report sections below, predict this person's typical energy levels through the day (e.g. afternoon crashes, steady energy, slow mornings). Tie each prediction to a bacterial signal such as SCFA producers or B-vitamin synthesizers. Keep it under 500 characters.`,
	model.StageAwaitingEnergyConfirmation: `Based on the microbiome profile in the report sections below, predict which digestive symptoms this person likely experiences (e.g. bloating, irregularity, sensitivity to certain foods). Tie each prediction to a bacterial signal from the report. Keep it under 500 characters.`,
}

// 各预测阶段模型输出前后的固定包装文案。
var stageWrappers = map[model.Stage]struct {
	Header string
	Footer string
}{
	model.StageAwaitingDateOrAntibiotics: {
		Header: "🍽️ **Based on your gut bacteria, I predict you typically eat:**\n\n",
		Footer: "\n\n**Is this accurate?** Tell me about your actual diet and any restrictions you have.",
	},
	model.StageAwaitingDietConfirmation: {
		Header: "⚡ **Based on your microbiome, I predict your energy levels look like:**\n\n",
		Footer: "\n\n**Does this match?** How's your energy through a typical day?",
	},
	model.StageAwaitingEnergyConfirmation: {
		Header: "🤢 **Based on your microbiome, I predict you might experience:**\n\n",
		Footer: "\n\n**What digestive symptoms do you actually experience?** (or none if you feel great!)",
	},
}

// summaryHeader 是阶段性摘要消息的固定前缀，也是旧数据的阶段标记。
const summaryHeader = "🧬 **EXECUTIVE SUMMARY**\n\n"

// qaInvitation 是摘要后第二条自动跟进消息（静态文案）。
const qaInvitation = "🎯 **Ready for your questions!** Ask me anything about your microbiome results."

// insightHeader 与 insightFallback 用于摘要后第一条自动跟进消息。
const (
	insightHeader   = "💡 **One thing to try this week:**\n\n"
	insightFallback = "💡 **One thing to try this week:** add a few more fiber-rich plants to your meals — variety is what feeds a diverse microbiome."
)

// PromptBuilder 根据对话阶段组装模型调用的消息序列与生成参数。
type PromptBuilder struct {
	genCfg        config.LLMGenerationConfig
	historyWindow int
}

// NewPromptBuilder 创建一个新的 PromptBuilder。
func NewPromptBuilder(genCfg config.LLMGenerationConfig, ingestCfg config.IngestConfig) *PromptBuilder {
	window := ingestCfg.HistoryWindow
	if window <= 0 {
		window = 10
	}
	return &PromptBuilder{genCfg: genCfg, historyWindow: window}
}

// contextMessage 将检索到的分块拼成一条系统消息。分块为空时返回空串。
func contextMessage(chunks []string) string {
	if len(chunks) == 0 {
		return ""
	}
	sections := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		sections = append(sections, "Report Section: "+chunk)
	}
	return "Here are relevant sections from the user's microbiome report:\n\n" + strings.Join(sections, "\n\n")
}

// lifestyleContext 把阶段性采集的元数据整理成提示词中的背景段落。
func lifestyleContext(md map[string]interface{}) string {
	if len(md) == 0 {
		return "No additional lifestyle information provided."
	}
	var lines []string
	appendIf := func(label, key string) {
		if v, ok := md[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", label, s))
			}
		}
	}
	appendIf("Recent antibiotics", "antibiotics_response")
	appendIf("Diet", "diet_response")
	appendIf("Energy levels", "energy_response")
	appendIf("Digestive symptoms", "symptoms_response")
	appendIf("Testing lab", "lab_name")
	if len(lines) == 0 {
		return "No additional lifestyle information provided."
	}
	return strings.Join(lines, "\n")
}

// predictionParams 返回预测阶段的生成参数：回复长度受限，保持简短。
func (b *PromptBuilder) predictionParams() *llm.GenerationParams {
	params := &llm.GenerationParams{}
	if b.genCfg.Temperature != 0 {
		t := b.genCfg.Temperature
		params.Temperature = &t
	}
	if b.genCfg.PredictionMaxTokens > 0 {
		m := b.genCfg.PredictionMaxTokens
		params.MaxTokens = &m
	}
	return params
}

// PredictionMessages 组装一次预测阶段（饮食/精力/消化）调用的消息序列。
// stage 是发消息时所处的阶段，chunks 是种子检索到的报告段落。
func (b *PromptBuilder) PredictionMessages(stage model.Stage, report *model.Report, chunks []string) ([]llm.Message, *llm.GenerationParams) {
	prompt, ok := stagePredictionPrompts[stage]
	if !ok {
		prompt = stagePredictionPrompts[model.StageAwaitingDateOrAntibiotics]
	}

	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nUser Lifestyle Context:\n")
	sb.WriteString(lifestyleContext(report.Metadata))
	if ctx := contextMessage(chunks); ctx != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ctx)
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
	return messages, b.predictionParams()
}

// SummaryMessages 组装阶段性摘要调用的消息序列。摘要不限制输出长度。
func (b *PromptBuilder) SummaryMessages(report *model.Report, chunks []string, history []*model.Message) ([]llm.Message, *llm.GenerationParams) {
	var sb strings.Builder
	sb.WriteString("Analyze this microbiome report and provide an executive summary with actionable insights.\n\n")
	sb.WriteString("User Lifestyle Context:\n")
	sb.WriteString(lifestyleContext(report.Metadata))
	if ctx := contextMessage(chunks); ctx != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ctx)
	}
	sb.WriteString(summaryPromptTail)

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	messages = append(messages, b.historyMessages(history)...)
	messages = append(messages, llm.Message{Role: "user", Content: sb.String()})
	return messages, nil
}

const summaryPromptTail = `

Please provide:
1. Key findings from the report
2. Notable patterns or concerns
3. Personalized recommendations based on their lifestyle
4. One specific actionable next step they could consider

Keep the response engaging and supportive, focusing on practical insights.`

// InsightMessages 组装摘要后跟进洞察的调用消息：一条具体可执行的建议。
func (b *PromptBuilder) InsightMessages(report *model.Report, chunks []string) ([]llm.Message, *llm.GenerationParams) {
	var sb strings.Builder
	sb.WriteString("Pick the single most impactful, concrete action this person could take this week based on their microbiome report and lifestyle. One short paragraph, under 400 characters, no preamble.\n\n")
	sb.WriteString("User Lifestyle Context:\n")
	sb.WriteString(lifestyleContext(report.Metadata))
	if ctx := contextMessage(chunks); ctx != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ctx)
	}
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
	return messages, b.predictionParams()
}

// QAMessages 组装自由问答轮次的消息序列：系统指令、检索上下文、
// 有界的历史窗口以及用户当前的问题。问答不限制输出长度。
func (b *PromptBuilder) QAMessages(chunks []string, history []*model.Message, question string) ([]llm.Message, *llm.GenerationParams) {
	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	if ctx := contextMessage(chunks); ctx != "" {
		messages = append(messages, llm.Message{Role: "system", Content: ctx})
	}
	messages = append(messages, b.historyMessages(history)...)
	messages = append(messages, llm.Message{Role: "user", Content: question})
	return messages, nil
}

// historyMessages 把最近的持久化消息映射为模型角色消息，只保留窗口内的部分。
func (b *PromptBuilder) historyMessages(history []*model.Message) []llm.Message {
	if len(history) > b.historyWindow {
		history = history[len(history)-b.historyWindow:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		role := msg.Role
		if role != model.RoleUser && role != model.RoleAssistant {
			role = model.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: msg.Content})
	}
	return out
}
