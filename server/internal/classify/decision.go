package classify

import (
	"encoding/json"
	"fmt"
	"strings"

	"interview-talk/server/internal/model"
)

// Decision 是远程分类器对一条回答给出的分支决定。
type Decision struct {
	Action model.Action `json:"action"`
	Tag    string       `json:"tag,omitempty"`
	Raw    string       `json:"raw,omitempty"`
}

// ParseDecision 宽松解析分类器输出。
// 输出可能夹在散文或代码块里，先截取第一个 JSON 对象；
// 解析失败或 action 不合法时退化为 CONTINUE，原文含 "follow" 时改为 FOLLOW_UP。
func ParseDecision(raw string) Decision {
	d := Decision{Action: model.ActionContinue, Raw: raw}

	var payload struct {
		Action any `json:"action"`
		Tag    any `json:"tag"`
	}
	obj, ok := extractObject(raw)
	if ok && json.Unmarshal([]byte(obj), &payload) == nil {
		if payload.Tag != nil {
			d.Tag = strings.ToUpper(strings.TrimSpace(fmt.Sprint(payload.Tag)))
		}
		if payload.Action != nil {
			switch action := model.Action(strings.ToUpper(strings.TrimSpace(fmt.Sprint(payload.Action)))); action {
			case model.ActionContinue, model.ActionFollowUp:
				d.Action = action
				return d
			}
		}
	}

	if strings.Contains(strings.ToLower(raw), "follow") {
		d.Action = model.ActionFollowUp
	}
	return d
}

func extractObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// NeedsFollowUp 完整度不足或分类器要求追问时返回 true。
func NeedsFollowUp(completeness float64, action model.Action) bool {
	return completeness < 0.5 || action == model.ActionFollowUp
}

// NormalizeFollowUp 把生成的追问整理成一句问句；空文本使用 backup。
func NormalizeFollowUp(text, backup string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return backup
	}
	if !strings.HasSuffix(text, "?") {
		text = strings.TrimRight(text, ".") + "?"
	}
	return text
}
