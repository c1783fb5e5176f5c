package interview

import "strings"

var affirmations = []string{
	"yes", "ready", "sure", "okay", "yeah", "yep",
	"go ahead", "i am", "let's start", "i'm ready",
}

// IsAffirmative 判断开场确认是否为肯定回答（大小写不敏感的子串匹配）。
func IsAffirmative(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	// 语音转写常把撇号识别成弯引号。
	norm = strings.ReplaceAll(norm, "’", "'")
	for _, a := range affirmations {
		if strings.Contains(norm, a) {
			return true
		}
	}
	return false
}

// wantsRepeat 判断“是否重复问题”的回答。以 y 开头（yes/yeah/yep）即视为要重复。
func wantsRepeat(text string) bool {
	norm := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(norm, "y") {
		return true
	}
	if strings.HasPrefix(norm, "no") || strings.Contains(norm, "not") {
		return false
	}
	return IsAffirmative(norm)
}
