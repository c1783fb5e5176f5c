package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/config"
)

// Client LLM 客户端接口
type Client interface {
	// Complete 完成文本生成任务
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// NewClient 按配置创建带重试的 LLM 客户端
func NewClient(cfg config.LLMConfig, logger *logrus.Entry) (Client, error) {
	var base Client
	switch cfg.Provider {
	case "chatserver":
		base = NewChatServerClient(cfg.ChatServer)
	case "openai":
		base = NewOpenAIClient(cfg.OpenAI)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	return WithRetry(base, cfg.Retries, cfg.Backoff, logger), nil
}

// ChatServerClient 对接自建推理服务的 /chat 接口：{"message"} -> {"response"}。
// 该接口没有角色概念，多轮消息被拍平成 "User:/Assistant:" 文本。
type ChatServerClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewChatServerClient 创建 /chat 客户端
func NewChatServerClient(cfg config.LLMProviderConfig) *ChatServerClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ChatServerClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete 完成文本生成（/chat）。schema 对该接口无效，提示词里已写明输出格式。
func (c *ChatServerClient) Complete(ctx context.Context, messages []Message, _ *JSONSchema) (string, error) {
	return c.chat(ctx, FlattenMessages(messages))
}

// Healthcheck 发送 ping，确认推理服务可达。
func (c *ChatServerClient) Healthcheck(ctx context.Context) error {
	out, err := c.chat(ctx, "ping")
	if err != nil {
		return err
	}
	if out == "" {
		return fmt.Errorf("empty healthcheck response")
	}
	return nil
}

func (c *ChatServerClient) chat(ctx context.Context, prompt string) (string, error) {
	respBody, err := postJSON(ctx, c.httpClient, c.config.APIURL, "/chat", c.config.APIKey, map[string]any{"message": prompt})
	if err != nil {
		return "", err
	}

	var result struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || result.Response == nil {
		// 服务返回了非预期结构：把原文交给上层做宽松解析。
		return strings.TrimSpace(string(respBody)), nil
	}

	content := strings.TrimSpace(*result.Response)
	// 服务处于测试模式时会回显 "Echo: ..."。
	content = strings.TrimPrefix(content, "Echo: ")
	return content, nil
}

// postJSON 发送 JSON 请求并返回 200 响应体；两种提供商共用。
func postJSON(ctx context.Context, client *http.Client, base, path, apiKey string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// FlattenMessages 把角色消息转换成单段提示词，末尾留出 "Assistant:" 让模型续写。
func FlattenMessages(messages []Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			parts = append(parts, "User: "+msg.Content)
		case "assistant":
			parts = append(parts, "Assistant: "+msg.Content)
		default:
			parts = append(parts, msg.Role+": "+msg.Content)
		}
	}
	return strings.Join(parts, "\n") + "\nAssistant:"
}

// OpenAIClient OpenAI 兼容的 /chat/completions 客户端
type OpenAIClient struct {
	config     config.LLMProviderConfig
	httpClient *http.Client
}

// NewOpenAIClient 创建 OpenAI 客户端
func NewOpenAIClient(cfg config.LLMProviderConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// chatCompletionRequest 只包含分类与追问用到的字段。
type chatCompletionRequest struct {
	Model               string         `json:"model"`
	Messages            []Message      `json:"messages"`
	Temperature         float64        `json:"temperature"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string         `json:"reasoning_effort,omitempty"`
	ResponseFormat      map[string]any `json:"response_format,omitempty"`
}

// Complete 调用 /chat/completions。给出 schema 时要求按 json_schema 输出。
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	req := chatCompletionRequest{
		Model:               c.config.Model,
		Messages:            messages,
		Temperature:         c.config.Temperature,
		MaxCompletionTokens: c.config.MaxTokens,
	}
	// 分类只需要一个很短的 JSON；推理模型默认的 effort 会把 max_tokens 全部耗在推理上，返回空 content。
	if usesReasoningBudget(c.config.Model) {
		req.ReasoningEffort = "low"
	}
	if schema != nil {
		req.ResponseFormat = map[string]any{"type": "json_schema", "json_schema": schema}
	}

	respBody, err := postJSON(ctx, c.httpClient, c.config.APIURL, "/chat/completions", c.config.APIKey, req)
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	choice := result.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty completion (finish_reason=%q)", choice.FinishReason)
	}
	return content, nil
}

// usesReasoningBudget 判断模型是否会先消耗 token 做推理（gpt-5 与 o 系列）。
func usesReasoningBudget(model string) bool {
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
