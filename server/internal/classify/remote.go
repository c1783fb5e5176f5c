package classify

import (
	"context"
	"fmt"

	"interview-talk/server/internal/llm"
)

// LLMClassifier 用对话模型判断是否需要追问。
type LLMClassifier struct {
	client llm.Client
}

func NewLLMClassifier(client llm.Client) *LLMClassifier {
	return &LLMClassifier{client: client}
}

var decisionSchema = &llm.JSONSchema{
	Name: "answer_decision",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"FOLLOW_UP", "CONTINUE"},
			},
			"tag": map[string]any{
				"type": "string",
				"enum": []string{"INATTENTION", "IMPULSIVITY", "CHILDHOOD", "FUNCTIONING", "DIFFERENTIAL", "FAMILY"},
			},
		},
		"required":             []string{"action", "tag"},
		"additionalProperties": false,
	},
	Strict: true,
}

func (c *LLMClassifier) Classify(ctx context.Context, question, answer string) (Decision, error) {
	messages := []llm.Message{{Role: "user", Content: classifyPrompt(question, answer)}}
	raw, err := c.client.Complete(ctx, messages, decisionSchema)
	if err != nil {
		return Decision{}, fmt.Errorf("classify answer: %w", err)
	}
	return ParseDecision(raw), nil
}

// LLMFollowUpGenerator 用对话模型生成一句追问。
type LLMFollowUpGenerator struct {
	client llm.Client
}

func NewLLMFollowUpGenerator(client llm.Client) *LLMFollowUpGenerator {
	return &LLMFollowUpGenerator{client: client}
}

func (g *LLMFollowUpGenerator) Generate(ctx context.Context, question, answer string) (string, error) {
	messages := []llm.Message{{Role: "user", Content: followUpPrompt(question, answer)}}
	text, err := g.client.Complete(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("generate follow-up: %w", err)
	}
	return text, nil
}

func classifyPrompt(question, answer string) string {
	return "You are assisting an ADHD diagnostic interview.\n" +
		fmt.Sprintf("Question: %q\n", question) +
		fmt.Sprintf("Answer: %q\n", answer) +
		`Return STRICT JSON with keys "action" (FOLLOW_UP or CONTINUE) ` +
		`and "tag" (INATTENTION|IMPULSIVITY|CHILDHOOD|FUNCTIONING|DIFFERENTIAL|FAMILY):` + "\n" +
		`{"action":"FOLLOW_UP","tag":"INATTENTION"}`
}

func followUpPrompt(question, answer string) string {
	return "Generate a concise, clinically helpful follow-up question for ADHD evaluation.\n" +
		"Original question: " + question + "\n" +
		"User answer: " + answer + "\n" +
		"Follow-up (one sentence):"
}
