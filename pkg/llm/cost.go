package llm

import "biomeai-go/internal/config"

// 内置费率表：每 1K token 的美元价格，按模型名索引。
// 配置文件中的 llm.cost 可以覆盖或补充这里的条目。
var defaultInputPer1K = map[string]float64{
	"gpt-4o":      0.0025,
	"gpt-4o-mini": 0.00015,
}

var defaultOutputPer1K = map[string]float64{
	"gpt-4o":      0.01,
	"gpt-4o-mini": 0.0006,
}

// RateTable 将 token 用量换算为估算费用。
type RateTable struct {
	inputPer1K  map[string]float64
	outputPer1K map[string]float64
}

// NewRateTable 基于内置费率构建费率表，并应用配置中的覆盖项。
func NewRateTable(cfg config.LLMCostConfig) RateTable {
	t := RateTable{
		inputPer1K:  make(map[string]float64, len(defaultInputPer1K)),
		outputPer1K: make(map[string]float64, len(defaultOutputPer1K)),
	}
	for k, v := range defaultInputPer1K {
		t.inputPer1K[k] = v
	}
	for k, v := range defaultOutputPer1K {
		t.outputPer1K[k] = v
	}
	for k, v := range cfg.InputPer1K {
		t.inputPer1K[k] = v
	}
	for k, v := range cfg.OutputPer1K {
		t.outputPer1K[k] = v
	}
	return t
}

// Cost 按模型名计算一次调用的估算费用（美元）。未知模型返回 0。
func (t RateTable) Cost(model string, promptTokens, completionTokens int) float64 {
	inputCost := float64(promptTokens) / 1000 * t.inputPer1K[model]
	outputCost := float64(completionTokens) / 1000 * t.outputPer1K[model]
	return inputCost + outputCost
}
