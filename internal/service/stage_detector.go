package service

import (
	"strings"

	"biomeai-go/internal/model"
)

// StageDetector 判定一份报告的对话当前所处的脚本化阶段。
// 首选报告上的显式阶段字段；对阶段字段缺失的旧数据，
// 回退到扫描最近的助手消息中的固定标记短语。
type StageDetector interface {
	Detect(report *model.Report, recent []*model.Message) model.Stage
}

type stageDetector struct{}

// NewStageDetector 创建一个新的 StageDetector 实例。
func NewStageDetector() StageDetector {
	return &stageDetector{}
}

// 旧数据回退用的标记短语表，按阶段从后往前优先匹配。
var stageMarkers = []struct {
	marker string
	prefix bool
	stage  model.Stage
}{
	{marker: summaryHeader, prefix: true, stage: model.StageSummaryDelivered},
	{marker: "What digestive symptoms do you actually experience?", stage: model.StageAwaitingDigestiveConfirmation},
	{marker: "How's your energy through a typical day?", stage: model.StageAwaitingEnergyConfirmation},
	{marker: "Tell me about your actual diet", stage: model.StageAwaitingDietConfirmation},
	{marker: "Did you take any antibiotics", stage: model.StageAwaitingDateOrAntibiotics},
	{marker: "When did you take this test?", stage: model.StageAwaitingDateOrAntibiotics},
}

// Detect 返回对话当前阶段。recent 按时间正序排列。
func (d *stageDetector) Detect(report *model.Report, recent []*model.Message) model.Stage {
	if report.ConversationStage.Valid() {
		return report.ConversationStage
	}

	// 旧数据：没有阶段字段，从最近的助手消息回推。
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg.Role != model.RoleAssistant {
			continue
		}
		for _, m := range stageMarkers {
			if m.prefix {
				if strings.HasPrefix(msg.Content, m.marker) {
					return m.stage
				}
			} else if strings.Contains(msg.Content, m.marker) {
				return m.stage
			}
		}
		// 最近的助手消息不带任何标记，说明脚本已走完。
		return model.StageFreeformQA
	}

	// 没有任何助手消息：报告还没完成摄取。
	return model.StageAwaitingUpload
}
