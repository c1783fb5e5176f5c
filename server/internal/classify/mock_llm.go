package classify

import (
	"context"
	"errors"
	"strings"
	"sync"

	"interview-talk/server/internal/llm"
)

// ErrMockLLM 是 MockLLMClient 在 ShouldFail 时返回的错误。
var ErrMockLLM = errors.New("mock llm failure")

// MockLLMClient 用于测试的 Mock LLM 客户端。
// 按提示词区分分类与追问请求，分别返回 Decision 与 FollowUp。
type MockLLMClient struct {
	mu sync.Mutex

	// 分类请求的原始输出。Queued 非空时优先按顺序弹出。
	Decision string
	Queued   []string
	// 追问请求的原始输出。
	FollowUp   string
	ShouldFail bool

	ClassifyCalls int
	FollowUpCalls int
	Prompts       []string
}

// NewMockLLMClient 创建 Mock LLM 客户端
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		Decision: `{"action":"CONTINUE","tag":"INATTENTION"}`,
		FollowUp: "Can you give an example",
	}
}

// Complete 模拟 LLM Complete 方法
func (m *MockLLMClient) Complete(ctx context.Context, messages []llm.Message, schema *llm.JSONSchema) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	m.Prompts = append(m.Prompts, prompt)

	isFollowUp := strings.HasPrefix(prompt, "Generate a concise")
	if isFollowUp {
		m.FollowUpCalls++
	} else {
		m.ClassifyCalls++
	}

	if m.ShouldFail {
		return "", ErrMockLLM
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if isFollowUp {
		return m.FollowUp, nil
	}
	if len(m.Queued) > 0 {
		next := m.Queued[0]
		m.Queued = m.Queued[1:]
		return next, nil
	}
	return m.Decision, nil
}

// SetDecision 设置分类请求要返回的原始输出
func (m *MockLLMClient) SetDecision(raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decision = raw
}

// QueueDecisions 追加按顺序返回的分类输出，用完后回到 Decision
func (m *MockLLMClient) QueueDecisions(raw ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queued = append(m.Queued, raw...)
}

// SetFail 切换失败模式
func (m *MockLLMClient) SetFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

// Calls 返回 (分类次数, 追问次数)
func (m *MockLLMClient) Calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ClassifyCalls, m.FollowUpCalls
}
