// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"biomeai-go/internal/apperr"
	"biomeai-go/internal/config"
	"biomeai-go/pkg/log"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Usage 记录一次调用的 token 消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResult 是一次同步聊天调用的结果：生成文本、token 消耗与估算费用。
type ChatResult struct {
	Content string
	Usage   Usage
	CostUSD float64
}

// Client defines the interface for an LLM client.
type Client interface {
	// ChatMessages 以 role-based 消息与可选生成参数同步调用聊天接口。
	// 每轮对话调用一次，返回内容与用量；限流错误带 RateLimited 标记。
	ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (*ChatResult, error)
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
	rates  RateTable
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	timeout := 60 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		rates:  NewRateTable(cfg.Cost),
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// ChatMessages 调用 OpenAI 兼容的 /chat/completions 接口并等待完整响应。
func (c *openAICompatibleClient) ChatMessages(ctx context.Context, messages []Message, gen *GenerationParams) (*ChatResult, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	// 从配置或传参注入生成参数（传参优先生效）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	} else {
		// 从全局配置注入（若非零值）
		if c.cfg.Generation.Temperature != 0 {
			t := c.cfg.Generation.Temperature
			reqBody.Temperature = &t
		}
		if c.cfg.Generation.TopP != 0 {
			p := c.cfg.Generation.TopP
			reqBody.TopP = &p
		}
		if c.cfg.Generation.MaxTokens != 0 {
			m := c.cfg.Generation.MaxTokens
			reqBody.MaxTokens = &m
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &apperr.ModelCallError{Err: fmt.Errorf("failed to marshal chat request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, &apperr.ModelCallError{Err: fmt.Errorf("failed to create chat request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[LLMClient] 调用 Chat API 失败, error: %v", err)
		return nil, &apperr.ModelCallError{Err: fmt.Errorf("failed to call chat api: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		log.Errorf("[LLMClient] Chat API 返回非 200 状态码: %s, body: %s", resp.Status, string(bodyBytes))
		return nil, &apperr.ModelCallError{
			Err:         fmt.Errorf("chat api returned non-200 status: %s", resp.Status),
			RateLimited: resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &apperr.ModelCallError{Err: fmt.Errorf("failed to decode chat response: %w", err)}
	}

	if len(chatResp.Choices) == 0 {
		return nil, &apperr.ModelCallError{Err: fmt.Errorf("chat api returned no choices")}
	}

	result := &ChatResult{
		Content: chatResp.Choices[0].Message.Content,
		Usage:   chatResp.Usage,
		CostUSD: c.rates.Cost(c.cfg.Model, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens),
	}
	log.Infof("[LLMClient] Chat API 调用成功, prompt_tokens: %d, completion_tokens: %d, cost_usd: %.6f",
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.CostUSD)
	return result, nil
}
