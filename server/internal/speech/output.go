package speech

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/logging"
)

// Output 逐句播报文本，同一时间只允许一个播报任务。
type Output struct {
	synth  Synthesizer
	busy   atomic.Bool
	logger *logrus.Entry
}

func NewOutput(synth Synthesizer, logger *logrus.Entry) *Output {
	return &Output{
		synth:  synth,
		logger: logging.OrDiscard(logger).WithField("component", "speech_output"),
	}
}

// Busy 报告是否有播报在进行。
func (o *Output) Busy() bool {
	return o.busy.Load()
}

// Speak 切句后依次合成；单句失败只记录并跳过。
// 最后一句结束后才返回，ctx 取消时提前返回已完成的部分。
func (o *Output) Speak(ctx context.Context, text string, isIntro bool) (OutputResult, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return OutputResult{}, ErrBusy
	}
	defer o.busy.Store(false)

	res := OutputResult{IsIntro: isIntro}
	for _, sentence := range SplitSentences(text) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := o.synth.Say(ctx, sentence); err != nil {
			res.Failed++
			o.logger.WithError(err).WithField("sentence", sentence).Warn("synthesis failed, skipping sentence")
			continue
		}
		res.Spoken++
	}
	return res, nil
}

// SplitSentences 规整空白与破折号，然后按 . ! ? 后跟空白处断句。
func SplitSentences(text string) []string {
	text = strings.NewReplacer("—", "-", "–", "-").Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		// 连续的终止符（"?!"、"..."）算同一个边界。
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			out = appendSentence(out, string(runes[start:i+1]))
			start = i + 1
		}
	}
	return appendSentence(out, string(runes[start:]))
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func appendSentence(out []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		out = append(out, s)
	}
	return out
}
